package memorymgr_test

import (
	"context"
	"testing"

	"github.com/hula0401/marketvoice/internal/agent"
	"github.com/hula0401/marketvoice/internal/memorymgr"
	"github.com/hula0401/marketvoice/pkg/memory"
	memorymock "github.com/hula0401/marketvoice/pkg/memory/mock"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	llmmock "github.com/hula0401/marketvoice/pkg/provider/llm/mock"
	"github.com/hula0401/marketvoice/pkg/types"
)

type recordingPostRun struct {
	sessionID string
	wrote     bool
	reason    string
}

func (r *recordingPostRun) LogFinalize(sessionID string, wrote bool, reason string, durationMs int64) {
	r.sessionID = sessionID
	r.wrote = wrote
	r.reason = reason
}

func TestManager_FinalizeEmptyBufferIsNoop(t *testing.T) {
	store := memorymock.New()
	llmProvider := &llmmock.Provider{}
	postRun := &recordingPostRun{}
	mgr := memorymgr.New(memorymgr.Config{Notes: store, LLM: llmProvider, PostRun: postRun})

	if err := mgr.Finalize(context.Background(), "sess-1", "user-1"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if len(llmProvider.CompleteCalls) != 0 {
		t.Error("expected no LLM call for an empty buffer")
	}
	if postRun.wrote {
		t.Error("expected wrote=false for an empty buffer")
	}
	if postRun.reason != "empty_buffer" {
		t.Errorf("reason = %q, want empty_buffer", postRun.reason)
	}
}

func TestManager_TrackThenFinalizeMergesCategories(t *testing.T) {
	store := memorymock.New()
	store.SeedUser(memory.User{UserID: "user-1"})
	_ = store.UpsertNotes(context.Background(), types.KeyNotes{
		UserID:     "user-1",
		Categories: map[string]string{"investment": "Prefers long-term index funds."},
	})

	llmProvider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"categories":{"stocks":"Frequently checks AAPL and MSFT prices."}}`,
		},
	}
	mgr := memorymgr.New(memorymgr.Config{Notes: store, LLM: llmProvider})

	ctx := context.Background()
	if err := mgr.Track(ctx, "sess-1", "user-1", agent.TrackedTurn{
		Query:        "how's apple doing",
		Intent:       types.IntentPriceCheck,
		Symbols:      []string{"AAPL"},
		ShortSummary: "AAPL is up 2% today.",
	}); err != nil {
		t.Fatalf("Track() error: %v", err)
	}

	if err := mgr.Finalize(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	if len(llmProvider.CompleteCalls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(llmProvider.CompleteCalls))
	}

	notes, err := store.GetNotes(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetNotes() error: %v", err)
	}
	if notes.Categories["stocks"] != "Frequently checks AAPL and MSFT prices." {
		t.Errorf("stocks category = %q, want the revised summary", notes.Categories["stocks"])
	}
	if notes.Categories["investment"] != "Prefers long-term index funds." {
		t.Error("expected the untouched investment category to survive the merge (I6: never deletes)")
	}

	// A second Finalize on the same session finds an empty buffer.
	if err := mgr.Finalize(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("second Finalize() error: %v", err)
	}
	if len(llmProvider.CompleteCalls) != 1 {
		t.Error("expected no additional LLM call on a re-finalized empty buffer")
	}
}

func TestManager_FinalizeSkipsOnLLMFailure(t *testing.T) {
	store := memorymock.New()
	llmProvider := &llmmock.Provider{CompleteErr: context.DeadlineExceeded}
	postRun := &recordingPostRun{}
	mgr := memorymgr.New(memorymgr.Config{Notes: store, LLM: llmProvider, PostRun: postRun})

	ctx := context.Background()
	_ = mgr.Track(ctx, "sess-2", "user-2", agent.TrackedTurn{Query: "q", Intent: types.IntentNewsSearch})

	if err := mgr.Finalize(ctx, "sess-2", "user-2"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if postRun.wrote {
		t.Error("expected wrote=false when the LLM call fails")
	}
	if _, err := store.GetNotes(ctx, "user-2"); err == nil {
		t.Error("expected no notes row to have been written")
	}
}
