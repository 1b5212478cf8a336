package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements is run, in order, against a fresh database by [Migrate].
// Each statement is idempotent (IF NOT EXISTS) so that startup migration is
// safe to re-run on every process boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		duration_seconds DOUBLE PRECISION,
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_sessions_active_heartbeat
		ON conversation_sessions (last_heartbeat_at) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		raw_text TEXT NOT NULL,
		intents TEXT[] NOT NULL DEFAULT '{}',
		symbols TEXT[] NOT NULL DEFAULT '{}',
		result_summary TEXT NOT NULL DEFAULT '',
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS user_notes (
		user_id TEXT PRIMARY KEY,
		key_notes JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_watchlist (
		user_id TEXT PRIMARY KEY,
		symbols TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		preferred_topics TEXT[] NOT NULL DEFAULT '{}'
	)`,
}

// Migrate applies the schema in §6 to pool's database. It is safe to call on
// every process startup; every statement is an idempotent DDL guard.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: statement %d: %w", i, err)
		}
	}
	return nil
}
