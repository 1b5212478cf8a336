package llmgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hula0401/marketvoice/pkg/provider/llm"
	llmmock "github.com/hula0401/marketvoice/pkg/provider/llm/mock"
)

func TestGate_SerializesConcurrentCalls(t *testing.T) {
	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	provider := &llmmock.Provider{}
	provider.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &llm.CompletionResponse{Content: "ok"}, nil
	}

	g := New(provider, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("observed %d concurrent calls, want at most 1 (I5/P4)", maxInFlight)
	}
}

func TestGate_TimesOutSlowCall(t *testing.T) {
	provider := &llmmock.Provider{}
	provider.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	g := New(provider, 10*time.Millisecond)
	_, err := g.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestGate_CanceledWhileQueued(t *testing.T) {
	provider := &llmmock.Provider{}
	release := make(chan struct{})
	provider.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-release
		return &llm.CompletionResponse{Content: "first"}, nil
	}

	g := New(provider, time.Second)

	holderDone := make(chan struct{})
	go func() {
		g.Complete(context.Background(), llm.CompletionRequest{})
		close(holderDone)
	}()

	// Give the first caller time to acquire the ticket.
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := g.Complete(ctx, llm.CompletionRequest{})
		waiterErr <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("err = %v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued caller did not observe cancellation")
	}

	close(release)
	<-holderDone
}

func TestGate_FIFOOrdering(t *testing.T) {
	provider := &llmmock.Provider{}
	release := make(chan struct{})
	provider.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-release
		return &llm.CompletionResponse{Content: req.SystemPrompt}, nil
	}

	g := New(provider, time.Second)

	holderDone := make(chan struct{})
	go func() {
		g.Complete(context.Background(), llm.CompletionRequest{SystemPrompt: "holder"})
		close(holderDone)
	}()
	time.Sleep(5 * time.Millisecond)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 2 * time.Millisecond)
			g.Complete(context.Background(), llm.CompletionRequest{})
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		time.Sleep(3 * time.Millisecond)
	}

	close(release)
	wg.Wait()
	<-holderDone

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("FIFO order violated: got %v", order)
		}
	}
}
