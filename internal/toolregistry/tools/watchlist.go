package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

const maxWatchlistSymbols = 50

// WatchlistTool mutates or reads a user's watchlist (§4.5 #4). Writes are
// single-writer-per-user: a per-user mutex serializes add/remove so two
// concurrent mutations for the same user can never race each other's
// read-modify-write.
type WatchlistTool struct {
	store memory.WatchlistStore

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewWatchlistTool builds the watchlist tool over store.
func NewWatchlistTool(store memory.WatchlistStore) *WatchlistTool {
	return &WatchlistTool{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Tool returns the toolregistry.Tool registration for watchlist mutation.
func (t *WatchlistTool) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Definition: types.ToolDefinition{
			Name:                "watchlist",
			Description:         "Adds, removes, or views symbols on a user's watchlist.",
			Parameters:          map[string]any{"user_id": "string", "action": "add|remove|view", "symbols": "string[]?"},
			EstimatedDurationMs: 50,
			MaxDurationMs:       2000,
			Idempotent:          false,
			CacheableSeconds:    0,
		},
		Timeout:     3 * time.Second,
		MaxAttempts: 3,
		Handler:     t.invoke,
	}
}

func (t *WatchlistTool) invoke(ctx context.Context, input toolregistry.Input) (types.ToolResult, error) {
	userID, _ := input["user_id"].(string)
	if userID == "" {
		return types.ToolResult{}, fmt.Errorf("%w: watchlist requires user_id", toolregistry.ErrValidation)
	}
	action, _ := input["action"].(string)
	switch types.WatchlistAction(action) {
	case types.WatchlistAdd, types.WatchlistRemove, types.WatchlistView:
	default:
		return types.ToolResult{}, fmt.Errorf("%w: watchlist action %q is not one of add/remove/view", toolregistry.ErrValidation, action)
	}
	symbols := NormalizeSymbols(stringSlice(input["symbols"]))

	lock := t.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	current, err := t.store.GetWatchlist(ctx, userID)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: watchlist: load: %w", err)
	}

	var next []string
	switch types.WatchlistAction(action) {
	case types.WatchlistView:
		next = current.Symbols
	case types.WatchlistAdd:
		next = appendSymbols(current.Symbols, symbols)
	case types.WatchlistRemove:
		next = removeSymbols(current.Symbols, symbols)
	}

	if len(next) > maxWatchlistSymbols {
		next = next[:maxWatchlistSymbols]
	}

	if types.WatchlistAction(action) != types.WatchlistView {
		if err := t.store.SetWatchlist(ctx, userID, next); err != nil {
			return types.ToolResult{}, fmt.Errorf("toolregistry/tools: watchlist: save: %w", err)
		}
	}

	return types.ToolResult{
		Output:         map[string]any{"watchlist": &types.Watchlist{UserID: userID, Symbols: next}},
		RelevanceScore: 1.0,
		Confidence:     1.0,
	}, nil
}

func (t *WatchlistTool) userLock(userID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[userID] = l
	}
	return l
}

func appendSymbols(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range add {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func removeSymbols(existing, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	out := make([]string, 0, len(existing))
	for _, s := range existing {
		if drop[s] {
			continue
		}
		out = append(out, s)
	}
	return out
}
