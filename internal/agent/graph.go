// Package agent implements the turn pipeline (§4.3): intent analysis,
// checklist building, parallel tool fan-out, checklist join, response
// generation, memory tracking, and optional speech emission.
//
// Grounded on the teacher's internal/hotctx.Assembler for the
// concurrent-fetch-then-combine shape, generalized from a fixed three-way
// fetch to a variable-size checklist with partial-result semantics.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/internal/toolregistry/tools"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/provider/tts"
	"github.com/hula0401/marketvoice/pkg/types"
)

// LLMCaller is the subset of llm.Provider the graph needs. Satisfied by
// *internal/llmgate.Gate in production and by pkg/provider/llm/mock.Provider
// in tests.
type LLMCaller interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// ToolInvoker is the subset of toolregistry.Registry the graph needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolID string, input toolregistry.Input) types.ToolResult
}

// MemoryTracker receives per-turn summaries for later finalization (§4.6
// stage 6). Satisfied by *internal/memorymgr.Manager.
type MemoryTracker interface {
	Track(ctx context.Context, sessionID, userID string, entry TrackedTurn) error
}

// TrackedTurn is one turn's contribution to the session's in-memory note
// buffer.
type TrackedTurn struct {
	Query         string
	Intent        types.IntentTag
	Symbols       []string
	ShortSummary  string
}

// AudioEmitter receives ordered synthesized-speech chunks for a session's
// outbound stream (§4.3 stage 7).
type AudioEmitter interface {
	EmitAudio(sessionID string, chunk types.TTSChunk)
}

// CallLogger records every LLM and tool call a turn makes, for the Session
// Logger's transcript (§4.7). Satisfied by *internal/sessionlog.Logger.
// Optional: a nil CallLogger simply skips these records.
type CallLogger interface {
	LogLLMCall(sessionID, stage, model, prompt, response string, durationMs int64, status string)
	LogToolCall(sessionID, toolID string, input any, output any, durationMs int64, status string)
}

// Config bounds the graph's deadlines (§5).
type Config struct {
	TurnToolDeadline      time.Duration
	ChecklistJoinDeadline time.Duration
	Voice                 tts.VoiceProfile

	// ModelName is recorded on every logged LLM call (§4.7); purely
	// descriptive, it does not select which provider the Gate dispatches
	// to.
	ModelName string
}

// DefaultConfig returns the documented defaults (§5): TURN_TOOL_DEADLINE=90s,
// CHECKLIST_JOIN_DEADLINE=120s.
func DefaultConfig() Config {
	return Config{
		TurnToolDeadline:      90 * time.Second,
		ChecklistJoinDeadline: 120 * time.Second,
	}
}

// Graph runs one turn through all seven stages of §4.3.
type Graph struct {
	llm     LLMCaller
	tools   ToolInvoker
	notes   memory.NotesStore
	tracker MemoryTracker
	tts     tts.Provider
	audio   AudioEmitter
	calls   CallLogger
	cfg     Config
}

// New builds a Graph. tracker, tts, audio, and calls may be nil — speech
// emission, memory tracking, and call logging are then simply skipped.
func New(llmCaller LLMCaller, tools ToolInvoker, notes memory.NotesStore, tracker MemoryTracker, ttsProvider tts.Provider, audio AudioEmitter, calls CallLogger, cfg Config) *Graph {
	return &Graph{
		llm:     llmCaller,
		tools:   tools,
		notes:   notes,
		tracker: tracker,
		tts:     ttsProvider,
		audio:   audio,
		calls:   calls,
		cfg:     cfg,
	}
}

// Run executes one turn and returns its TurnOutput. recent is the session's
// recent message history (§4.3 stage 1 context); wantAudio requests stage 7
// speech emission.
func (g *Graph) Run(ctx context.Context, in types.TurnInput, recent []types.Message, wantAudio bool) (types.TurnOutput, error) {
	start := time.Now()

	var priorNotes *types.KeyNotes
	if g.notes != nil {
		n, err := g.notes.GetNotes(ctx, in.UserID)
		if err == nil {
			priorNotes = n
		}
	}

	intents, err := g.analyzeIntent(ctx, in, recent, priorNotes)
	if err != nil {
		return types.TurnOutput{}, fmt.Errorf("agent: intent analysis: %w", err)
	}
	if len(intents) == 1 && intents[0].Tag == types.IntentUnknown {
		return types.TurnOutput{
			ResponseText:     "I'm sorry, I didn't catch that. Could you rephrase?",
			Sentiment:        types.SentimentNeutral,
			Intents:          intents,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	checklist := buildChecklist(intents)

	fetchCtx := ctx
	var cancel context.CancelFunc
	if g.cfg.TurnToolDeadline > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, g.cfg.TurnToolDeadline)
		defer cancel()
	}

	evidence, watchlistSnap, partial := g.fetch(fetchCtx, g.cfg.ChecklistJoinDeadline, in, intents, checklist)

	output, err := g.generateResponse(ctx, in, evidence, priorNotes, intents)
	if err != nil {
		output = fallbackResponse(evidence)
	}
	output.Intents = intents
	output.Symbols = allSymbols(in.SessionID, intents)
	output.WatchlistSnapshot = watchlistSnap
	output.Evidence = evidence
	output.Partial = partial
	output.ProcessingTimeMs = time.Since(start).Milliseconds()

	g.track(ctx, in, intents, output)

	if wantAudio && g.tts != nil && g.audio != nil && output.ResponseText != "" {
		g.emitSpeech(ctx, in.SessionID, output.ResponseText)
	}

	return output, nil
}

func (g *Graph) track(ctx context.Context, in types.TurnInput, intents []types.Intent, out types.TurnOutput) {
	if g.tracker == nil {
		return
	}
	for _, intent := range intents {
		if intent.Tag == types.IntentChat || intent.Tag == types.IntentUnknown {
			continue
		}
		_ = g.tracker.Track(ctx, in.SessionID, in.UserID, TrackedTurn{
			Query:        in.Text,
			Intent:       intent.Tag,
			Symbols:      intent.Symbols,
			ShortSummary: shortSummary(out.ResponseText),
		})
	}
}

func shortSummary(text string) string {
	const maxLen = 240
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}

// allSymbols merges the distinct symbols across every intent of a turn and
// caps the result at tools.MaxSymbolsPerTurn (§3 Intent: "≤10"), recording a
// warning when the merge drops extras (§4.3, §8).
func allSymbols(sessionID string, intents []types.Intent) []string {
	seen := make(map[string]bool)
	var distinct []string
	for _, in := range intents {
		for _, s := range in.Symbols {
			if seen[s] {
				continue
			}
			seen[s] = true
			distinct = append(distinct, s)
		}
	}
	if len(distinct) > tools.MaxSymbolsPerTurn {
		slog.Warn("agent: turn symbol set truncated",
			"session_id", sessionID, "requested", len(distinct),
			"kept", tools.MaxSymbolsPerTurn, "dropped", len(distinct)-tools.MaxSymbolsPerTurn)
		return distinct[:tools.MaxSymbolsPerTurn]
	}
	return distinct
}
