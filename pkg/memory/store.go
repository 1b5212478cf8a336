// Package memory defines the Store abstraction over the user-facing tables
// of §3/§6: users, conversation_sessions, conversation_messages, user_notes,
// user_watchlist, and user_preferences.
//
// All writes go through a privileged credential that bypasses row-level
// access checks (§9) — the Store never exposes the restricted client-facing
// credential, because the core never proxies client reads or writes directly
// against the database.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/hula0401/marketvoice/pkg/types"
)

// ErrNotFound is returned by lookup methods when no matching row exists.
var ErrNotFound = errors.New("memory: not found")

// UserStore resolves the external User identity referenced by admission.
type UserStore interface {
	// GetUser returns the user record for userID, or [ErrNotFound] if no such
	// user is known to the store.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// SessionStore is the persistence adapter for conversation_sessions (§4.1).
type SessionStore interface {
	// UpsertSession inserts or replaces the session row identified by
	// sess.SessionID. Used on admission and wherever the session manager
	// needs to persist its current view of a session.
	UpsertSession(ctx context.Context, sess Session) error

	// GetSession returns the session row for sessionID, or [ErrNotFound].
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// CloseSession marks the session is_active=false, stamping endedAt and
	// durationSeconds (§4.1 close path). Idempotent: closing an
	// already-closed session is not an error.
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds float64) error

	// TouchHeartbeat updates last_heartbeat_at for sessionID (§4.1 on_frame).
	TouchHeartbeat(ctx context.Context, sessionID string, at time.Time) error

	// ReconcileStale closes every row with is_active=true whose
	// last_heartbeat_at is older than now-idleLimit (§4.1's bulk-close sweep
	// for orphaned sessions whose in-memory close failed to persist).
	// Returns the number of rows closed.
	ReconcileStale(ctx context.Context, idleLimit time.Duration, now time.Time) (int, error)
}

// MessageStore is the persistence adapter for conversation_messages (§3
// Utterance — immutable after store).
type MessageStore interface {
	// AppendMessage inserts one turn record. Conflicts on the
	// (session_id, sequence) primary key are upserts (idempotent retries of
	// the same turn never duplicate).
	AppendMessage(ctx context.Context, msg Message) error
}

// NotesStore is the persistence adapter for user_notes (§4.6 Key Notes).
type NotesStore interface {
	// GetNotes returns the notes row for userID, or [ErrNotFound] if the user
	// has never had notes written.
	GetNotes(ctx context.Context, userID string) (*types.KeyNotes, error)

	// UpsertNotes replaces notes.UserID's row, conflict target user_id (§9
	// upsert semantics). Callers are responsible for merging categories
	// before calling UpsertNotes — this is a full replace of the row.
	UpsertNotes(ctx context.Context, notes types.KeyNotes) error
}

// WatchlistStore is the persistence adapter for user_watchlist.
type WatchlistStore interface {
	// GetWatchlist returns the current watchlist for userID. Returns a
	// zero-symbol watchlist (not [ErrNotFound]) when the user has never
	// mutated one — an empty watchlist is a valid steady state, not an
	// absence of data.
	GetWatchlist(ctx context.Context, userID string) (*types.Watchlist, error)

	// SetWatchlist replaces the full ordered symbol list for userID.
	// Callers are responsible for the uppercase/50-symbol cap (§3) before
	// calling SetWatchlist; this is a single-writer-per-user operation (§5).
	SetWatchlist(ctx context.Context, userID string, symbols []string) error
}

// PreferencesStore is the persistence adapter for user_preferences,
// consumed by the preferences tool (§4.5).
type PreferencesStore interface {
	// GetPreferences returns preferences for userID, or a zero-value
	// Preferences (not [ErrNotFound]) when the user has none on file.
	GetPreferences(ctx context.Context, userID string) (*Preferences, error)
}

// Store aggregates every table-backed interface the core depends on.
type Store interface {
	UserStore
	SessionStore
	MessageStore
	NotesStore
	WatchlistStore
	PreferencesStore
}
