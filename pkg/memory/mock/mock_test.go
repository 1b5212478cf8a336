package mock

import (
	"context"
	"testing"
	"time"

	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

func TestStore_SessionLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sess := memory.Session{
		SessionID:       "sess-1",
		UserID:          "user-1",
		StartedAt:       now,
		LastHeartbeatAt: now,
		IsActive:        true,
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.IsActive {
		t.Fatalf("expected active session")
	}

	if err := s.CloseSession(ctx, "sess-1", now.Add(time.Minute), 60); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if got.IsActive {
		t.Fatalf("expected closed session")
	}

	// Idempotent: closing again must not change EndedAt.
	prevEnded := *got.EndedAt
	if err := s.CloseSession(ctx, "sess-1", now.Add(2*time.Minute), 120); err != nil {
		t.Fatalf("CloseSession (second): %v", err)
	}
	got, _ = s.GetSession(ctx, "sess-1")
	if !got.EndedAt.Equal(prevEnded) {
		t.Fatalf("expected idempotent close, ended_at changed from %v to %v", prevEnded, got.EndedAt)
	}

	if _, err := s.GetSession(ctx, "missing"); err != memory.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ReconcileStale(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.UpsertSession(ctx, memory.Session{SessionID: "stale", StartedAt: base, LastHeartbeatAt: base, IsActive: true})
	s.UpsertSession(ctx, memory.Session{SessionID: "fresh", StartedAt: base, LastHeartbeatAt: base.Add(9 * time.Minute), IsActive: true})

	now := base.Add(10 * time.Minute)
	n, err := s.ReconcileStale(ctx, 2*time.Minute, now)
	if err != nil {
		t.Fatalf("ReconcileStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 closed session, got %d", n)
	}

	stale, _ := s.GetSession(ctx, "stale")
	if stale.IsActive {
		t.Fatalf("expected stale session closed")
	}
	fresh, _ := s.GetSession(ctx, "fresh")
	if !fresh.IsActive {
		t.Fatalf("expected fresh session to remain active")
	}
}

func TestStore_WatchlistDefaultsEmpty(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	w, err := s.GetWatchlist(ctx, "new-user")
	if err != nil {
		t.Fatalf("GetWatchlist: %v", err)
	}
	if len(w.Symbols) != 0 {
		t.Fatalf("expected empty watchlist, got %v", w.Symbols)
	}

	if err := s.SetWatchlist(ctx, "new-user", []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("SetWatchlist: %v", err)
	}
	w, _ = s.GetWatchlist(ctx, "new-user")
	if len(w.Symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %v", w.Symbols)
	}
}

func TestStore_NotesRoundTrip(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if _, err := s.GetNotes(ctx, "user-1"); err != memory.ErrNotFound {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}

	notes := types.KeyNotes{UserID: "user-1", Categories: map[string]string{"portfolio": "holds AAPL"}}
	if err := s.UpsertNotes(ctx, notes); err != nil {
		t.Fatalf("UpsertNotes: %v", err)
	}

	got, err := s.GetNotes(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetNotes: %v", err)
	}
	if got.Categories["portfolio"] != "holds AAPL" {
		t.Fatalf("unexpected categories: %v", got.Categories)
	}
}

func TestStore_CallTracking(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	s.GetWatchlist(ctx, "user-1")
	s.GetWatchlist(ctx, "user-1")
	s.SetWatchlist(ctx, "user-1", []string{"AAPL"})

	if got := s.CallCount("GetWatchlist"); got != 2 {
		t.Fatalf("expected 2 GetWatchlist calls, got %d", got)
	}
	if got := s.CallCount("SetWatchlist"); got != 1 {
		t.Fatalf("expected 1 SetWatchlist call, got %d", got)
	}

	s.Reset()
	if got := s.CallCount("GetWatchlist"); got != 0 {
		t.Fatalf("expected calls cleared after Reset, got %d", got)
	}
	if _, err := s.GetWatchlist(ctx, "user-1"); err != nil {
		t.Fatalf("GetWatchlist after reset: %v", err)
	}
}
