package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hula0401/marketvoice/internal/app"
	memorymock "github.com/hula0401/marketvoice/pkg/memory/mock"
	"github.com/hula0401/marketvoice/pkg/types"
)

// fakeTransport records every frame sent to the client for assertions.
type fakeTransport struct {
	mu     sync.Mutex
	frames []fakeFrame
	closed bool
}

type fakeFrame struct {
	event   string
	payload any
}

func (f *fakeTransport) SendFrame(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fakeFrame{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.event
	}
	return out
}

// fakeGraph is a scriptable GraphRunner standing in for *internal/agent.Graph.
type fakeGraph struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	response types.TurnOutput
	err      error
}

func (g *fakeGraph) Run(ctx context.Context, in types.TurnInput, recent []types.Message, wantAudio bool) (types.TurnOutput, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return types.TurnOutput{}, ctx.Err()
		}
	}
	if g.err != nil {
		return types.TurnOutput{}, g.err
	}
	return g.response, nil
}

func (g *fakeGraph) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_AdmitAttachCloseLifecycle(t *testing.T) {
	store := memorymock.New()
	graph := &fakeGraph{response: types.TurnOutput{ResponseText: "AAPL is up 2% today.", Sentiment: types.SentimentPositive}}

	mgr := app.NewManager(app.Config{Store: store, Graph: graph})

	ctx := context.Background()
	sessionID, err := mgr.Admit(ctx, "user-1", "web")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("Admit() returned empty session id")
	}
	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", mgr.Len())
	}

	transport := &fakeTransport{}
	if err := mgr.Attach(sessionID, transport); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if err := mgr.Attach(sessionID, transport); err != app.ErrAlreadyAttached {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}

	if err := mgr.OnFrame(ctx, sessionID, app.InboundFrame{Kind: app.FrameText, Text: "how's apple doing"}); err != nil {
		t.Fatalf("OnFrame(text) error: %v", err)
	}

	waitFor(t, time.Second, func() bool { return graph.callCount() == 1 })
	waitFor(t, time.Second, func() bool {
		for _, e := range transport.events() {
			if e == "voice_response" {
				return true
			}
		}
		return false
	})

	if err := mgr.Close(ctx, sessionID, "client_disconnect"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if mgr.Len() != 0 {
		t.Fatalf("Len() after close = %d, want 0", mgr.Len())
	}
	if !transport.closed {
		t.Error("expected transport to be closed")
	}

	// Close is idempotent (§4.1): a repeated close on a gone session is a no-op.
	if err := mgr.Close(ctx, sessionID, "client_disconnect"); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if sess.IsActive {
		t.Error("expected IsActive=false after close")
	}
	if sess.EndedAt == nil {
		t.Error("expected EndedAt to be set after close")
	}
}

func TestManager_Admit_UserUnknown(t *testing.T) {
	mgr := app.NewManager(app.Config{})
	if _, err := mgr.Admit(context.Background(), "", "web"); err != app.ErrUserUnknown {
		t.Fatalf("Admit(\"\") error = %v, want ErrUserUnknown", err)
	}
}

func TestManager_OnFrame_UnknownSession(t *testing.T) {
	mgr := app.NewManager(app.Config{})
	err := mgr.OnFrame(context.Background(), "does-not-exist", app.InboundFrame{Kind: app.FrameHeartbeat})
	if err != app.ErrSessionNotFound {
		t.Fatalf("OnFrame() error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_Interrupt_DiscardsStaleTurn(t *testing.T) {
	graph := &fakeGraph{delay: 200 * time.Millisecond, response: types.TurnOutput{ResponseText: "slow answer"}}
	mgr := app.NewManager(app.Config{Graph: graph, TurnDeadline: 5 * time.Second})

	ctx := context.Background()
	sessionID, err := mgr.Admit(ctx, "user-2", "web")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	transport := &fakeTransport{}
	if err := mgr.Attach(sessionID, transport); err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	if err := mgr.OnFrame(ctx, sessionID, app.InboundFrame{Kind: app.FrameText, Text: "tell me about tesla"}); err != nil {
		t.Fatalf("OnFrame(text) error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return graph.callCount() == 1 })

	if err := mgr.OnFrame(ctx, sessionID, app.InboundFrame{Kind: app.FrameInterrupt, Reason: "user spoke again"}); err != nil {
		t.Fatalf("OnFrame(interrupt) error: %v", err)
	}

	time.Sleep(400 * time.Millisecond) // let the in-flight (canceled) turn finish

	for _, e := range transport.events() {
		if e == "voice_response" {
			t.Error("expected no voice_response for a turn canceled by barge-in")
		}
	}

	var sawInterrupted bool
	for _, e := range transport.events() {
		if e == "streaming_interrupted" {
			sawInterrupted = true
		}
	}
	if !sawInterrupted {
		t.Error("expected a streaming_interrupted frame")
	}

	_ = mgr.Close(ctx, sessionID, "test_teardown")
}

func TestManager_CloseAll(t *testing.T) {
	mgr := app.NewManager(app.Config{Graph: &fakeGraph{}})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := mgr.Admit(ctx, "user-multi", "web")
		if err != nil {
			t.Fatalf("Admit() error: %v", err)
		}
		ids = append(ids, id)
	}
	if mgr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", mgr.Len())
	}

	if err := mgr.CloseAll(ctx, "shutdown"); err != nil {
		t.Fatalf("CloseAll() error: %v", err)
	}
	if mgr.Len() != 0 {
		t.Fatalf("Len() after CloseAll = %d, want 0", mgr.Len())
	}
}

func TestManager_StaleSessions(t *testing.T) {
	mgr := app.NewManager(app.Config{Graph: &fakeGraph{}})
	ctx := context.Background()

	id, err := mgr.Admit(ctx, "user-3", "web")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}

	if stale := mgr.StaleSessions(120*time.Second, time.Now()); len(stale) != 0 {
		t.Fatalf("StaleSessions() = %v, want none (fresh heartbeat)", stale)
	}

	// Simulate the idle limit having elapsed by checking against a later "now".
	future := time.Now().Add(200 * time.Second)
	stale := mgr.StaleSessions(120*time.Second, future)
	if len(stale) != 1 || stale[0] != id {
		t.Fatalf("StaleSessions() = %v, want [%s]", stale, id)
	}

	_ = mgr.Close(ctx, id, "idle")
}
