// Package memorymgr implements the Memory Manager (§4.6): per-user
// long-term "key notes", one short prose summary per category, extended
// only by a session's close-time finalizer (I6 — no mid-session writes).
//
// Grounded on the teacher's internal/hotctx.Assembler buffering discipline
// for the per-session accumulate-then-flush shape, and on
// pkg/memory/postgres's per-user serialization for the finalize path's
// read-merge-upsert, generalized from a single combat-session summary to a
// category-keyed notes map merged across repeated sessions.
package memorymgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hula0401/marketvoice/internal/agent"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/types"
)

// LLMCaller is the subset of llm.Provider the finalizer needs. Satisfied by
// *internal/llmgate.Gate in production.
type LLMCaller interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// PostRunLogger records the outcome of a finalize attempt for the
// human-readable post-run log (§4.7). Satisfied by *internal/sessionlog.Logger.
type PostRunLogger interface {
	LogFinalize(sessionID string, wrote bool, reason string, durationMs int64)
}

const finalizeSystemPrompt = `You maintain long-term "key notes" about a user of a market-data voice assistant.
You are given the user's existing notes (may be empty) and a buffer of turns from the
session that just ended (query, intent, symbols, short summary of the response).
Revise the notes: for each category that the buffer's turns inform, write an updated
short prose summary (a sentence or two). Keep categories you have nothing new to say
about unchanged by omitting them from your output. Categories are: stocks, investment,
trading, research, watchlist, news.
Respond with ONLY a JSON object of the form:
{"categories":{"stocks":"...", "watchlist":"..."}}`

// Manager buffers per-turn summaries per session and, on Finalize, merges
// them into the user's persisted key notes via one LLM call through the
// Gate (§4.4, §4.6).
type Manager struct {
	notes    memory.NotesStore
	llm      LLMCaller
	postRun  PostRunLogger
	deadline time.Duration

	mu        sync.Mutex
	buffers   map[string]*sessionBuffer
	userLocks map[string]*sync.Mutex
}

type sessionBuffer struct {
	userID  string
	entries []agent.TrackedTurn
}

// Config configures a Manager.
type Config struct {
	Notes memory.NotesStore
	LLM   LLMCaller

	// PostRun optionally receives the human-readable outcome of each
	// finalize attempt. May be nil.
	PostRun PostRunLogger

	// FinalizeDeadline bounds Finalize (§5 FINALIZE_DEADLINE, default 30s).
	FinalizeDeadline time.Duration
}

// New builds a Manager. cfg.Notes and cfg.LLM may be nil in tests that never
// exercise Finalize; Track always works regardless.
func New(cfg Config) *Manager {
	if cfg.FinalizeDeadline <= 0 {
		cfg.FinalizeDeadline = 30 * time.Second
	}
	return &Manager{
		notes:     cfg.Notes,
		llm:       cfg.LLM,
		postRun:   cfg.PostRun,
		deadline:  cfg.FinalizeDeadline,
		buffers:   make(map[string]*sessionBuffer),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Track appends entry to sessionID's in-memory buffer (§4.3 stage 6). It
// never touches persistent storage — I6 forbids mid-session writes to
// user_notes.
func (m *Manager) Track(ctx context.Context, sessionID, userID string, entry agent.TrackedTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[sessionID]
	if !ok {
		buf = &sessionBuffer{userID: userID}
		m.buffers[sessionID] = buf
	}
	buf.entries = append(buf.entries, entry)
	return nil
}

// Finalize runs the session-end merge (§4.6): if the session's buffer is
// empty, it is a no-op. Otherwise it loads the user's existing notes, makes
// one bounded LLM call to revise them against the buffered turns, merges
// the result (new overrides same-category, never deletes an
// unmentioned category), and upserts. Any failure — LLM error, timeout,
// unparsable output — causes Finalize to skip the write and return nil; a
// failed finalize must never block or fail the session close path.
func (m *Manager) Finalize(ctx context.Context, sessionID, userID string) error {
	start := time.Now()

	m.mu.Lock()
	buf, ok := m.buffers[sessionID]
	delete(m.buffers, sessionID)
	m.mu.Unlock()

	if !ok || len(buf.entries) == 0 {
		m.logFinalize(sessionID, false, "empty_buffer", start)
		return nil
	}
	if m.notes == nil || m.llm == nil {
		m.logFinalize(sessionID, false, "not_configured", start)
		return nil
	}

	release := m.lockUser(userID)
	defer release()

	finalizeCtx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	existing, err := m.notes.GetNotes(finalizeCtx, userID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		m.logFinalize(sessionID, false, "load_failed", start)
		return nil
	}
	if existing == nil {
		existing = &types.KeyNotes{UserID: userID, Categories: map[string]string{}}
	}

	revised, err := m.reviseNotes(finalizeCtx, existing, buf.entries)
	if err != nil {
		m.logFinalize(sessionID, false, "llm_failed", start)
		return nil
	}
	if len(revised) == 0 {
		m.logFinalize(sessionID, false, "no_revision", start)
		return nil
	}

	merged := mergeCategories(existing.Categories, revised)
	if err := m.notes.UpsertNotes(finalizeCtx, types.KeyNotes{
		UserID:     userID,
		Categories: merged,
		UpdatedAt:  time.Now(),
	}); err != nil {
		m.logFinalize(sessionID, false, "upsert_failed", start)
		return nil
	}

	m.logFinalize(sessionID, true, "", start)
	return nil
}

func (m *Manager) reviseNotes(ctx context.Context, existing *types.KeyNotes, entries []agent.TrackedTurn) (map[string]string, error) {
	resp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: formatBuffer(existing, entries)}},
		SystemPrompt: finalizeSystemPrompt,
		Temperature:  0,
	})
	if err != nil {
		return nil, fmt.Errorf("memorymgr: finalize completion: %w", err)
	}
	return parseCategories(resp.Content), nil
}

func formatBuffer(existing *types.KeyNotes, entries []agent.TrackedTurn) string {
	var b strings.Builder
	b.WriteString("Existing notes:\n")
	if len(existing.Categories) == 0 {
		b.WriteString("(none)\n")
	} else {
		for category, summary := range existing.Categories {
			fmt.Fprintf(&b, "- %s: %s\n", category, summary)
		}
	}
	b.WriteString("\nThis session's turns:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- intent=%s symbols=%v query=%q summary=%q\n", e.Intent, e.Symbols, e.Query, e.ShortSummary)
	}
	return b.String()
}

// parseCategories tolerantly extracts the categories object from raw, which
// may be wrapped in prose or a markdown code fence.
func parseCategories(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	result := gjson.Get(raw, "categories")
	if !result.IsObject() {
		return nil
	}
	out := make(map[string]string)
	result.ForEach(func(key, value gjson.Result) bool {
		if s := value.String(); s != "" {
			out[key.String()] = s
		}
		return true
	})
	return out
}

// mergeCategories applies the new revision over the existing map: revised
// entries override the same category, categories absent from revised are
// left untouched (§4.6: "never deletes categories with no update").
func mergeCategories(existing map[string]string, revised map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(revised))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range revised {
		merged[k] = v
	}
	return merged
}

func (m *Manager) logFinalize(sessionID string, wrote bool, reason string, start time.Time) {
	if m.postRun == nil {
		return
	}
	m.postRun.LogFinalize(sessionID, wrote, reason, time.Since(start).Milliseconds())
}

// lockUser returns a release function for the per-user serialization lock
// (§4.6/§5: the Memory Manager's per-user entry is shared by at most one
// active session at a time). The lock table itself never shrinks — a small,
// bounded process-lifetime cost for a simple mutual-exclusion guarantee.
func (m *Manager) lockUser(userID string) func() {
	m.mu.Lock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

var _ agent.MemoryTracker = (*Manager)(nil)
