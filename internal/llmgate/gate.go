// Package llmgate provides the process-wide admission gate for language
// model calls (§4.4): exactly one call in flight at a time, additional
// callers wait in FIFO order, each call is bounded by a timeout.
//
// Grounded on the teacher's mcphost budget-admission pattern and
// resilience.CircuitBreaker's mutex-guarded state handling, generalized from
// a tiered tool-visibility gate to a single-ticket admission queue.
package llmgate

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hula0401/marketvoice/pkg/provider/llm"
)

// ErrTimeout is returned when a call exceeds its per-call timeout while
// holding the ticket.
var ErrTimeout = errors.New("llmgate: call timed out")

// ErrCanceled is returned when the caller's context is canceled while still
// queued for the ticket.
var ErrCanceled = errors.New("llmgate: caller canceled while queued")

// Gate serializes access to a single [llm.Provider] so that the number of
// outstanding calls across the process never exceeds one (I5/P4). Waiters
// queue in FIFO order via a linked list of wake channels, mirroring the
// "ticket + wait list" shape SPEC_FULL.md describes.
type Gate struct {
	provider llm.Provider
	timeout  time.Duration

	mu      sync.Mutex
	busy    bool
	waiters *list.List
}

// New returns a Gate wrapping provider. timeout bounds every call made
// through the gate (LLM_TIMEOUT, default 30s); zero disables the bound.
func New(provider llm.Provider, timeout time.Duration) *Gate {
	return &Gate{
		provider: provider,
		timeout:  timeout,
		waiters:  list.New(),
	}
}

// Complete acquires the single ticket (queueing FIFO behind any other
// caller), runs provider.Complete under the per-call timeout, and releases
// the ticket to the next waiter before returning.
func (g *Gate) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	resp, err := g.provider.Complete(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// StreamCompletion is the streaming counterpart of Complete. The ticket is
// held until the returned channel is closed, so the caller must drain it
// promptly.
func (g *Gate) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := g.callContext(ctx)

	chunks, err := g.provider.StreamCompletion(callCtx, req)
	if err != nil {
		cancel()
		g.release()
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer cancel()
		defer g.release()
		for c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *Gate) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// acquire blocks until the caller holds the ticket or ctx is canceled while
// still queued.
func (g *Gate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := g.waiters.PushBack(ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ch:
			// We were granted the ticket in the race window; hand it back
			// to the next waiter instead of leaking it.
			g.mu.Unlock()
			g.release()
			return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		default:
		}
		g.waiters.Remove(elem)
		g.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
}

// release hands the ticket to the longest-waiting queued caller, or marks
// the gate idle if the queue is empty.
func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	front := g.waiters.Front()
	if front == nil {
		g.busy = false
		return
	}
	g.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// Outstanding reports whether a call currently holds the ticket. Exposed
// for metrics/tests validating I5 — it is never more than one.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return 1
	}
	return 0
}

// QueueLength reports how many callers are currently waiting for the
// ticket.
func (g *Gate) QueueLength() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
