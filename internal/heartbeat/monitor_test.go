package heartbeat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hula0401/marketvoice/internal/heartbeat"
)

type fakeManager struct {
	mu     sync.Mutex
	stale  []string
	closed []string
}

func (f *fakeManager) StaleSessions(idleLimit time.Duration, now time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stale))
	copy(out, f.stale)
	return out
}

func (f *fakeManager) Close(ctx context.Context, sessionID, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeManager) ReconcileStale(ctx context.Context) (int, error) {
	return 0, nil
}

func (f *fakeManager) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}

func TestMonitor_ClosesStaleSessions(t *testing.T) {
	mgr := &fakeManager{stale: []string{"sess-1", "sess-2"}}
	mon := heartbeat.New(heartbeat.Config{
		Manager:      mgr,
		IdleLimit:    time.Second,
		ScanInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(mgr.closedIDs()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed := mgr.closedIDs()
	if len(closed) < 2 {
		t.Fatalf("closed = %v, want at least 2 stale sessions closed", closed)
	}
}

func TestMonitor_StopHaltsScanning(t *testing.T) {
	mgr := &fakeManager{}
	mon := heartbeat.New(heartbeat.Config{Manager: mgr, ScanInterval: 10 * time.Millisecond})

	mon.Start(context.Background())
	mon.Stop()
	mon.Stop() // idempotent

	before := len(mgr.closedIDs())
	time.Sleep(50 * time.Millisecond)
	mgr.mu.Lock()
	mgr.stale = []string{"should-not-be-closed"}
	mgr.mu.Unlock()
	time.Sleep(50 * time.Millisecond)

	if got := len(mgr.closedIDs()); got != before {
		t.Fatalf("closed count changed after Stop: before=%d after=%d", before, got)
	}
}
