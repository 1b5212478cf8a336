package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hula0401/marketvoice/pkg/memory"
)

// GetUser implements [memory.UserStore].
func (s *Store) GetUser(ctx context.Context, userID string) (*memory.User, error) {
	const q = `SELECT user_id, display_name, created_at FROM users WHERE user_id = $1`

	var u memory.User
	err := s.pool.QueryRow(ctx, q, userID).Scan(&u.UserID, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// GetPreferences implements [memory.PreferencesStore]. A user with no
// user_preferences row is not an error — it simply has no preferences yet.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*memory.Preferences, error) {
	const q = `SELECT preferred_topics FROM user_preferences WHERE user_id = $1`

	var topics []string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&topics)
	if errors.Is(err, pgx.ErrNoRows) {
		return &memory.Preferences{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get preferences: %w", err)
	}
	return &memory.Preferences{UserID: userID, PreferredTopics: topics}, nil
}
