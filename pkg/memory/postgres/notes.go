package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

// GetNotes implements [memory.NotesStore].
func (s *Store) GetNotes(ctx context.Context, userID string) (*types.KeyNotes, error) {
	const q = `SELECT key_notes, updated_at FROM user_notes WHERE user_id = $1`

	var raw []byte
	notes := types.KeyNotes{UserID: userID}
	err := s.pool.QueryRow(ctx, q, userID).Scan(&raw, &notes.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get notes: %w", err)
	}
	if err := json.Unmarshal(raw, &notes.Categories); err != nil {
		return nil, fmt.Errorf("postgres: get notes: decode key_notes: %w", err)
	}
	return &notes, nil
}

// UpsertNotes implements [memory.NotesStore], conflict target user_id (§9).
func (s *Store) UpsertNotes(ctx context.Context, notes types.KeyNotes) error {
	raw, err := json.Marshal(notes.Categories)
	if err != nil {
		return fmt.Errorf("postgres: upsert notes: encode key_notes: %w", err)
	}

	const q = `
		INSERT INTO user_notes (user_id, key_notes, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
		    key_notes = EXCLUDED.key_notes,
		    updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, notes.UserID, raw, notes.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert notes: %w", err)
	}
	return nil
}

// GetWatchlist implements [memory.WatchlistStore]. A user with no row yet
// has a valid, empty watchlist — not [memory.ErrNotFound].
func (s *Store) GetWatchlist(ctx context.Context, userID string) (*types.Watchlist, error) {
	const q = `SELECT symbols FROM user_watchlist WHERE user_id = $1`

	var symbols []string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&symbols)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.Watchlist{UserID: userID, Symbols: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get watchlist: %w", err)
	}
	return &types.Watchlist{UserID: userID, Symbols: symbols}, nil
}

// SetWatchlist implements [memory.WatchlistStore]; single-writer-per-user
// per §5, enforced by the watchlist tool serializing calls, not by the
// store itself.
func (s *Store) SetWatchlist(ctx context.Context, userID string, symbols []string) error {
	const q = `
		INSERT INTO user_watchlist (user_id, symbols)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET symbols = EXCLUDED.symbols`

	if symbols == nil {
		symbols = []string{}
	}
	if _, err := s.pool.Exec(ctx, q, userID, symbols); err != nil {
		return fmt.Errorf("postgres: set watchlist: %w", err)
	}
	return nil
}
