package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/types"
)

// fetch runs §4.3 stages 3–4: dispatch every checklist item and every
// non-research intent's tool concurrently (stage 3, bounded by ctx's own
// TURN_TOOL_DEADLINE), then join on whichever comes first of "all complete"
// or joinDeadline elapsing (stage 4's separate CHECKLIST_JOIN_DEADLINE, §5).
// The two deadlines are distinct: ctx cancels in-flight dispatch at the
// tool deadline, while joinDeadline bounds how long the join additionally
// waits for those dispatches to actually return. Partial results are
// reported, never treated as a turn failure.
//
// Grounded on the teacher's hotctx.Assembler concurrent-fetch shape,
// adapted so a single failing fetch degrades that item instead of aborting
// the whole group (errgroup here never returns a non-nil error from a
// worker; failures are recorded on the evidence/checklist item instead).
func (g *Graph) fetch(ctx context.Context, joinDeadline time.Duration, in types.TurnInput, intents []types.Intent, checklist []types.ChecklistItem) ([]types.EvidenceItem, *types.Watchlist, bool) {
	var (
		mu        sync.Mutex
		evidence  []types.EvidenceItem
		watchlist *types.Watchlist
	)

	eg, egCtx := errgroup.WithContext(ctx)
	// Never returning a worker error, so egCtx only ever cancels when ctx
	// itself does (the TURN_TOOL_DEADLINE/caller cancellation), not on the
	// first tool failure.

	for i := range checklist {
		item := &checklist[i]
		eg.Go(func() error {
			items := g.runChecklistItem(egCtx, in.SessionID, item, &mu)
			mu.Lock()
			evidence = append(evidence, items...)
			mu.Unlock()
			return nil
		})
	}

	for _, intent := range intents {
		intent := intent
		switch intent.Tag {
		case types.IntentPriceCheck:
			eg.Go(func() error {
				item := g.runPriceLookup(egCtx, in.SessionID, intent.Symbols)
				mu.Lock()
				if item != nil {
					evidence = append(evidence, *item)
				}
				mu.Unlock()
				return nil
			})
		case types.IntentNewsSearch:
			eg.Go(func() error {
				item := g.runNewsLookup(egCtx, in.SessionID, intent.Symbols, intent.Keywords)
				mu.Lock()
				if item != nil {
					evidence = append(evidence, *item)
				}
				mu.Unlock()
				return nil
			})
		case types.IntentWatchlist:
			eg.Go(func() error {
				snap := g.runWatchlist(egCtx, in.SessionID, in.UserID, intent)
				mu.Lock()
				if snap != nil {
					watchlist = snap
				}
				mu.Unlock()
				return nil
			})
		}
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	if joinDeadline > 0 {
		timer := time.NewTimer(joinDeadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			// CHECKLIST_JOIN_DEADLINE elapsed (§4.3 stage 4): stop waiting
			// for stragglers. Items that didn't flip Completed by now stay
			// false and flag the bundle "partial" below.
		}
	} else {
		<-done
	}

	// Snapshot under mu: if the join deadline fired before done closed, a
	// dispatch goroutine may still be writing evidence/checklist fields
	// concurrently with this return.
	mu.Lock()
	evidenceSnapshot := append([]types.EvidenceItem(nil), evidence...)
	watchlistSnapshot := watchlist
	mu.Unlock()

	partial := false
	for i := range checklist {
		mu.Lock()
		completed := checklist[i].Completed
		mu.Unlock()
		if !completed {
			partial = true
		}
	}

	return rankEvidence(evidenceSnapshot), watchlistSnapshot, partial
}

func (g *Graph) runChecklistItem(ctx context.Context, sessionID string, item *types.ChecklistItem, mu *sync.Mutex) []types.EvidenceItem {
	input := toolregistry.Input{
		"query":             item.Query,
		"checklist_queries": []string{item.Query},
		"min_results":       item.MinResults,
		"max_pages":         item.MinResults * 2,
	}
	start := time.Now()
	result := g.tools.Invoke(ctx, "general_research", input)
	g.logToolCall(sessionID, "general_research", input, result, start)
	if result.Status != types.ToolStatusOK {
		return nil
	}

	raw, _ := result.Output["evidence"].([]types.EvidenceItem)
	mu.Lock()
	item.Completed = true
	item.ResultCount = len(raw)
	item.CompletedAt = now()
	mu.Unlock()
	return raw
}

func (g *Graph) runPriceLookup(ctx context.Context, sessionID string, symbols []string) *types.EvidenceItem {
	if len(symbols) == 0 {
		return nil
	}
	input := toolregistry.Input{"symbols": symbols}
	start := time.Now()
	result := g.tools.Invoke(ctx, "price_lookup", input)
	g.logToolCall(sessionID, "price_lookup", input, result, start)
	if result.Status != types.ToolStatusOK {
		return nil
	}
	return &types.EvidenceItem{
		Source:         "price_lookup",
		Snippet:        fmt.Sprintf("%v", result.Output),
		RelevanceScore: result.RelevanceScore,
		FetchedAt:      now(),
		ToolID:         "price_lookup",
	}
}

func (g *Graph) runNewsLookup(ctx context.Context, sessionID string, symbols, keywords []string) *types.EvidenceItem {
	input := toolregistry.Input{
		"symbols": symbols,
		"topics":  keywords,
		"limit":   10,
	}
	start := time.Now()
	result := g.tools.Invoke(ctx, "news_lookup", input)
	g.logToolCall(sessionID, "news_lookup", input, result, start)
	if result.Status != types.ToolStatusOK {
		return nil
	}
	return &types.EvidenceItem{
		Source:         "news_lookup",
		Snippet:        fmt.Sprintf("%v", result.Output["articles"]),
		RelevanceScore: result.RelevanceScore,
		FetchedAt:      now(),
		ToolID:         "news_lookup",
	}
}

func (g *Graph) runWatchlist(ctx context.Context, sessionID, userID string, intent types.Intent) *types.Watchlist {
	action := intent.WatchlistAction
	if action == "" {
		action = types.WatchlistView
	}
	input := toolregistry.Input{
		"user_id": userID,
		"action":  string(action),
		"symbols": intent.Symbols,
	}
	start := time.Now()
	result := g.tools.Invoke(ctx, "watchlist", input)
	g.logToolCall(sessionID, "watchlist", input, result, start)
	if result.Status != types.ToolStatusOK {
		return nil
	}
	wl, _ := result.Output["watchlist"].(*types.Watchlist)
	return wl
}

// logToolCall is a no-op when no CallLogger is configured.
func (g *Graph) logToolCall(sessionID, toolID string, input toolregistry.Input, result types.ToolResult, start time.Time) {
	if g.calls == nil {
		return
	}
	g.calls.LogToolCall(sessionID, toolID, input, result.Output, time.Since(start).Milliseconds(), string(result.Status))
}

// rankEvidence dedupes by source URL and sorts by relevance score descending
// then by freshness (§4.3 tie-breaks).
func rankEvidence(items []types.EvidenceItem) []types.EvidenceItem {
	seen := make(map[string]bool, len(items))
	deduped := make([]types.EvidenceItem, 0, len(items))
	for _, it := range items {
		key := it.Source
		if key == "" {
			key = it.Snippet
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, it)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].RelevanceScore != deduped[j].RelevanceScore {
			return deduped[i].RelevanceScore > deduped[j].RelevanceScore
		}
		return deduped[i].FetchedAt.After(deduped[j].FetchedAt)
	})
	return deduped
}
