package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/provider/llm/mock"
	"github.com/hula0401/marketvoice/pkg/types"
)

// fakeTools is a scriptable ToolInvoker recording every dispatch.
type fakeTools struct {
	mu      sync.Mutex
	calls   []string
	results map[string]types.ToolResult
}

func (f *fakeTools) Invoke(_ context.Context, toolID string, _ toolregistry.Input) types.ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, toolID)
	f.mu.Unlock()
	if r, ok := f.results[toolID]; ok {
		return r
	}
	return types.ToolResult{ToolID: toolID, Status: types.ToolStatusError}
}

func (f *fakeTools) callCount(toolID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == toolID {
			n++
		}
	}
	return n
}

// recordingTracker is a no-op MemoryTracker that records its calls.
type recordingTracker struct {
	mu      sync.Mutex
	entries []TrackedTurn
}

func (r *recordingTracker) Track(_ context.Context, _, _ string, entry TrackedTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// recordingCallLogger implements CallLogger, recording every logged LLM and
// tool call for assertions (§4.7).
type recordingCallLogger struct {
	mu        sync.Mutex
	llmCalls  []string // stage values
	toolCalls []string // toolID values
}

func (r *recordingCallLogger) LogLLMCall(_, stage, _, _, _ string, _ int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmCalls = append(r.llmCalls, stage)
}

func (r *recordingCallLogger) LogToolCall(_, toolID string, _ any, _ any, _ int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, toolID)
}

func (r *recordingCallLogger) snapshot() (llmCalls, toolCalls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.llmCalls...), append([]string(nil), r.toolCalls...)
}

const intentResponseJSON = `{"intents":[{"tag":"price_check","symbols":["AAPL"],"keywords":[]}]}`
const finalResponseJSON = `{"response_text":"AAPL is trading steady today.","sentiment":"neutral","key_insights":["steady trading"]}`

// sequencedLLM returns a mock.Provider whose Complete calls return stage1 on
// the first call and stage2 on every subsequent call, mirroring the graph's
// two-stage LLM usage (intent analysis, then response generation).
func sequencedLLM(stage1, stage2 string) *mock.Provider {
	var n int
	var mu sync.Mutex
	return &mock.Provider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			if n == 1 {
				return &llm.CompletionResponse{Content: stage1}, nil
			}
			return &llm.CompletionResponse{Content: stage2}, nil
		},
	}
}

func TestGraph_Run_PriceCheckTurn(t *testing.T) {
	t.Parallel()
	llmProvider := sequencedLLM(intentResponseJSON, finalResponseJSON)
	tools := &fakeTools{
		results: map[string]types.ToolResult{
			"price_lookup": {
				ToolID: "price_lookup",
				Status: types.ToolStatusOK,
				Output: map[string]any{"price": 190.12},
			},
			"general_research": {
				ToolID: "general_research",
				Status: types.ToolStatusOK,
				Output: map[string]any{"evidence": []types.EvidenceItem{
					{Source: "general_research", Snippet: "AAPL closed up 1.2%"},
				}},
			},
		},
	}
	tracker := &recordingTracker{}
	logger := &recordingCallLogger{}

	g := New(llmProvider, tools, nil, tracker, nil, nil, logger, Config{ModelName: "gpt-4o"})

	out, err := g.Run(context.Background(), types.TurnInput{
		SessionID: "sess-1",
		UserID:    "user-1",
		Text:      "what's the price of AAPL",
	}, nil, false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.ResponseText != "AAPL is trading steady today." {
		t.Fatalf("unexpected response text: %q", out.ResponseText)
	}
	if out.Sentiment != types.SentimentNeutral {
		t.Fatalf("unexpected sentiment: %q", out.Sentiment)
	}
	if len(out.Intents) != 1 || out.Intents[0].Tag != types.IntentPriceCheck {
		t.Fatalf("unexpected intents: %+v", out.Intents)
	}

	// price_check dispatches both the direct price_lookup tool and a
	// checklist-driven general_research call (§4.3 stages 3-4).
	if got := tools.callCount("price_lookup"); got != 1 {
		t.Errorf("expected 1 price_lookup call, got %d", got)
	}
	if got := tools.callCount("general_research"); got != 1 {
		t.Errorf("expected 1 general_research call, got %d", got)
	}

	if len(tracker.entries) != 1 {
		t.Fatalf("expected 1 tracked turn, got %d", len(tracker.entries))
	}
	if tracker.entries[0].Intent != types.IntentPriceCheck {
		t.Errorf("unexpected tracked intent: %+v", tracker.entries[0])
	}

	llmCalls, toolCalls := logger.snapshot()
	if len(llmCalls) != 2 || llmCalls[0] != "intent_analysis" || llmCalls[1] != "response_generation" {
		t.Errorf("unexpected logged LLM call stages: %v", llmCalls)
	}
	if len(toolCalls) != 2 {
		t.Errorf("expected 2 logged tool calls, got %v", toolCalls)
	}
}

func TestGraph_Run_UnknownIntentSkipsFetchAndGeneration(t *testing.T) {
	t.Parallel()
	llmProvider := sequencedLLM(`{"intents":[{"tag":"unknown"}]}`, finalResponseJSON)
	tools := &fakeTools{}
	logger := &recordingCallLogger{}

	g := New(llmProvider, tools, nil, nil, nil, nil, logger, Config{})

	out, err := g.Run(context.Background(), types.TurnInput{
		SessionID: "sess-2",
		UserID:    "user-2",
		Text:      "asdkjasd",
	}, nil, false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !strings.Contains(out.ResponseText, "didn't catch that") {
		t.Errorf("expected fallback response text, got %q", out.ResponseText)
	}
	if len(tools.calls) != 0 {
		t.Errorf("expected no tool dispatch for unknown intent, got %v", tools.calls)
	}

	llmCalls, _ := logger.snapshot()
	if len(llmCalls) != 1 || llmCalls[0] != "intent_analysis" {
		t.Errorf("expected only the intent_analysis stage to be logged, got %v", llmCalls)
	}
}

func TestGraph_Run_ResponseGenerationFailureFallsBackToEvidence(t *testing.T) {
	t.Parallel()
	llmProvider := sequencedLLM(intentResponseJSON, "not json at all")
	tools := &fakeTools{
		results: map[string]types.ToolResult{
			"price_lookup": {ToolID: "price_lookup", Status: types.ToolStatusError},
			"general_research": {
				ToolID: "general_research",
				Status: types.ToolStatusOK,
				Output: map[string]any{"evidence": []types.EvidenceItem{
					{Source: "general_research", Snippet: "fallback snippet"},
				}},
			},
		},
	}

	g := New(llmProvider, tools, nil, nil, nil, nil, nil, Config{})

	out, err := g.Run(context.Background(), types.TurnInput{
		SessionID: "sess-3",
		UserID:    "user-3",
		Text:      "price of AAPL",
	}, nil, false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.ResponseText != "fallback snippet" {
		t.Fatalf("expected fallback response from top evidence item, got %q", out.ResponseText)
	}
	if out.Sentiment != types.SentimentNeutral {
		t.Errorf("expected neutral sentiment on fallback, got %q", out.Sentiment)
	}
}
