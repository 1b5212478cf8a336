// Package heartbeat implements the Heartbeat Monitor (§4.2): a periodic
// scanner that closes sessions whose heartbeat has lapsed.
//
// Grounded on the teacher's internal/session.Consolidator ticker-loop shape
// (Start(ctx)/Stop(), a stopOnce-guarded done channel) adapted from a
// fixed-interval context-flush loop to a stale-session reaper.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultScanInterval = 30 * time.Second

// SessionCloser is the subset of *internal/app.Manager the monitor needs.
type SessionCloser interface {
	StaleSessions(idleLimit time.Duration, now time.Time) []string
	Close(ctx context.Context, sessionID, cause string) error
	ReconcileStale(ctx context.Context) (int, error)
}

// Config configures a Monitor.
type Config struct {
	// Manager is the session registry to scan and close against.
	Manager SessionCloser

	// IdleLimit is the heartbeat staleness threshold (§4.1, default 120s).
	IdleLimit time.Duration

	// ScanInterval is how often to scan. Per §4.2, "scan frequency ≤ idle
	// limit / 4"; defaults to 30s if zero.
	ScanInterval time.Duration
}

// Monitor periodically closes sessions whose last_heartbeat_at has exceeded
// the idle limit (§4.2). It never holds a lock across a close: it snapshots
// stale IDs under the registry's read lock and then closes them
// independently, so one session's close path cannot block another's scan.
type Monitor struct {
	cfg Config

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Monitor. cfg.Manager must not be nil.
func New(cfg Config) *Monitor {
	if cfg.IdleLimit <= 0 {
		cfg.IdleLimit = 120 * time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	return &Monitor{cfg: cfg, done: make(chan struct{})}
}

// Start begins the periodic scan loop in a background goroutine. It runs
// until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop halts the scan loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) loop(ctx context.Context) {
	// Reconcile orphaned rows from a prior process instance once at startup
	// before entering the steady-state scan (§4.1's startup sweep).
	m.reconcile(ctx)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

// scanOnce snapshots stale session IDs and closes each independently.
func (m *Monitor) scanOnce(ctx context.Context) {
	stale := m.cfg.Manager.StaleSessions(m.cfg.IdleLimit, time.Now())
	for _, id := range stale {
		if err := m.cfg.Manager.Close(ctx, id, "idle"); err != nil {
			slog.Warn("heartbeat: close failed", "session_id", id, "error", err)
		}
	}
}

// reconcile retries the store-level bulk-close sweep on transient failure
// (§4.2: "retries on transient database errors, ≥3, exponential backoff").
func (m *Monitor) reconcile(ctx context.Context) {
	backoff := 200 * time.Millisecond
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		n, err := m.cfg.Manager.ReconcileStale(ctx)
		if err == nil {
			if n > 0 {
				slog.Info("heartbeat: reconciled orphaned sessions", "count", n)
			}
			return
		}
		if attempt < maxAttempts {
			slog.Debug("heartbeat: reconcile attempt failed, retrying", "attempt", attempt, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		} else {
			slog.Warn("heartbeat: reconcile failed after retries", "error", err)
		}
	}
}
