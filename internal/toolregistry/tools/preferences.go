package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/types"
)

// PreferencesTool reads a user's preferred topics and watchlist (§4.5 #5).
type PreferencesTool struct {
	prefs      memory.PreferencesStore
	watchlists memory.WatchlistStore
}

// NewPreferencesTool builds the preferences tool over the two stores it
// aggregates.
func NewPreferencesTool(prefs memory.PreferencesStore, watchlists memory.WatchlistStore) *PreferencesTool {
	return &PreferencesTool{prefs: prefs, watchlists: watchlists}
}

// Tool returns the toolregistry.Tool registration for the preferences read.
func (t *PreferencesTool) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Definition: types.ToolDefinition{
			Name:                "preferences",
			Description:         "Returns a user's preferred topics and current watchlist.",
			Parameters:          map[string]any{"user_id": "string"},
			EstimatedDurationMs: 20,
			MaxDurationMs:       1000,
			Idempotent:          true,
			CacheableSeconds:    60,
		},
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		Handler:     t.invoke,
	}
}

func (t *PreferencesTool) invoke(ctx context.Context, input toolregistry.Input) (types.ToolResult, error) {
	userID, _ := input["user_id"].(string)
	if userID == "" {
		return types.ToolResult{}, fmt.Errorf("%w: preferences requires user_id", toolregistry.ErrValidation)
	}

	prefs, err := t.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: preferences: %w", err)
	}
	watchlist, err := t.watchlists.GetWatchlist(ctx, userID)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: preferences: watchlist: %w", err)
	}

	return types.ToolResult{
		Output: map[string]any{
			"preferred_topics": prefs.PreferredTopics,
			"watchlist":        watchlist,
		},
		RelevanceScore: 1.0,
		Confidence:     1.0,
	}, nil
}
