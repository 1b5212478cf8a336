package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

// testStore connects to a live PostgreSQL instance named by
// MARKETVOICE_TEST_POSTGRES_DSN, skipping the test when unset. These tests
// exercise the schema and upsert semantics against the real driver, not a
// mock.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MARKETVOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETVOICE_TEST_POSTGRES_DSN not set, skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_SessionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sessionID := "integration-sess-" + now.Format(time.RFC3339Nano)
	sess := memory.Session{
		SessionID:       sessionID,
		UserID:          "integration-user",
		StartedAt:       now,
		LastHeartbeatAt: now,
		IsActive:        true,
		Source:          "test",
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != sess.UserID || !got.IsActive {
		t.Fatalf("unexpected session row: %+v", got)
	}

	if err := s.CloseSession(ctx, sessionID, now.Add(time.Minute), 60); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	got, err = s.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession after close: %v", err)
	}
	if got.IsActive {
		t.Fatalf("expected session closed")
	}
}

func TestStore_NotesAndWatchlist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := "integration-user-notes"

	notes := types.KeyNotes{
		UserID:     userID,
		Categories: map[string]string{"portfolio": "long AAPL and MSFT"},
		UpdatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.UpsertNotes(ctx, notes); err != nil {
		t.Fatalf("UpsertNotes: %v", err)
	}
	got, err := s.GetNotes(ctx, userID)
	if err != nil {
		t.Fatalf("GetNotes: %v", err)
	}
	if got.Categories["portfolio"] != notes.Categories["portfolio"] {
		t.Fatalf("unexpected notes: %+v", got)
	}

	if err := s.SetWatchlist(ctx, userID, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("SetWatchlist: %v", err)
	}
	w, err := s.GetWatchlist(ctx, userID)
	if err != nil {
		t.Fatalf("GetWatchlist: %v", err)
	}
	if len(w.Symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %v", w.Symbols)
	}
}

func TestStore_GetWatchlist_UnknownUserIsEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	w, err := s.GetWatchlist(ctx, "never-seen-before-user")
	if err != nil {
		t.Fatalf("GetWatchlist: %v", err)
	}
	if len(w.Symbols) != 0 {
		t.Fatalf("expected empty watchlist, got %v", w.Symbols)
	}
}
