package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hula0401/marketvoice/pkg/memory"
)

// UpsertSession implements [memory.SessionStore].
func (s *Store) UpsertSession(ctx context.Context, sess memory.Session) error {
	const q = `
		INSERT INTO conversation_sessions
		    (session_id, user_id, started_at, ended_at, last_heartbeat_at, is_active, duration_seconds, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    user_id = EXCLUDED.user_id,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		    is_active = EXCLUDED.is_active,
		    duration_seconds = EXCLUDED.duration_seconds,
		    source = EXCLUDED.source`

	_, err := s.pool.Exec(ctx, q,
		sess.SessionID, sess.UserID, sess.StartedAt, sess.EndedAt,
		sess.LastHeartbeatAt, sess.IsActive, sess.DurationSeconds, sess.Source,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session: %w", err)
	}
	return nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	const q = `
		SELECT session_id, user_id, started_at, ended_at, last_heartbeat_at, is_active, duration_seconds, source
		FROM conversation_sessions WHERE session_id = $1`

	var sess memory.Session
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&sess.SessionID, &sess.UserID, &sess.StartedAt, &sess.EndedAt,
		&sess.LastHeartbeatAt, &sess.IsActive, &sess.DurationSeconds, &sess.Source,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	return &sess, nil
}

// CloseSession implements [memory.SessionStore]. It is an idempotent update:
// rows already closed (is_active=false) are left untouched rather than
// re-stamping ended_at.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds float64) error {
	const q = `
		UPDATE conversation_sessions
		SET is_active = false, ended_at = $2, duration_seconds = $3
		WHERE session_id = $1 AND is_active = true`

	if _, err := s.pool.Exec(ctx, q, sessionID, endedAt, durationSeconds); err != nil {
		return fmt.Errorf("postgres: close session: %w", err)
	}
	return nil
}

// TouchHeartbeat implements [memory.SessionStore].
func (s *Store) TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error {
	const q = `UPDATE conversation_sessions SET last_heartbeat_at = $2 WHERE session_id = $1`

	if _, err := s.pool.Exec(ctx, q, sessionID, at); err != nil {
		return fmt.Errorf("postgres: touch heartbeat: %w", err)
	}
	return nil
}

// ReconcileStale implements [memory.SessionStore]'s bulk-close sweep (§4.1):
// it closes every row still marked is_active whose last_heartbeat_at is
// older than idleLimit, covering sessions whose in-memory close failed to
// persist (Fatal error path, §7).
func (s *Store) ReconcileStale(ctx context.Context, idleLimit time.Duration, now time.Time) (int, error) {
	const q = `
		UPDATE conversation_sessions
		SET is_active = false,
		    ended_at = $1,
		    duration_seconds = EXTRACT(EPOCH FROM ($1 - started_at))
		WHERE is_active = true AND last_heartbeat_at < $2`

	cutoff := now.Add(-idleLimit)
	tag, err := s.pool.Exec(ctx, q, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: reconcile stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendMessage implements [memory.MessageStore]. Conflicts on the
// (session_id, sequence) primary key are upserts so that a retried write
// for the same turn never errors or duplicates.
func (s *Store) AppendMessage(ctx context.Context, msg memory.Message) error {
	const q = `
		INSERT INTO conversation_messages
		    (session_id, sequence, raw_text, intents, symbols, result_summary, processing_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, sequence) DO UPDATE SET
		    raw_text = EXCLUDED.raw_text,
		    intents = EXCLUDED.intents,
		    symbols = EXCLUDED.symbols,
		    result_summary = EXCLUDED.result_summary,
		    processing_time_ms = EXCLUDED.processing_time_ms`

	_, err := s.pool.Exec(ctx, q,
		msg.SessionID, msg.Sequence, msg.RawText, msg.Intents, msg.Symbols,
		msg.ResultSummary, msg.ProcessingTimeMs,
	)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}
