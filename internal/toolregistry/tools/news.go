package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/types"
)

// NewsArticle is one article as returned by the upstream news endpoint.
type NewsArticle struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   string    `json:"sentiment"`
}

// NewsTool calls a news-search endpoint filtered by symbols and/or topics
// (§4.5 #2).
type NewsTool struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewNewsTool builds the news lookup tool.
func NewNewsTool(baseURL, apiKey string) *NewsTool {
	return &NewsTool{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Tool returns the toolregistry.Tool registration for the news lookup.
func (t *NewsTool) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Definition: types.ToolDefinition{
			Name:                "news_lookup",
			Description:         "Returns recent articles for the given symbols and/or topics.",
			Parameters:          map[string]any{"symbols": "string[]?", "topics": "string[]?", "limit": "int"},
			EstimatedDurationMs: 600,
			MaxDurationMs:       4000,
			Idempotent:          true,
			CacheableSeconds:    600,
		},
		Timeout:     8 * time.Second,
		MaxAttempts: 3,
		Handler:     t.invoke,
	}
}

func (t *NewsTool) invoke(ctx context.Context, input toolregistry.Input) (types.ToolResult, error) {
	symbols := NormalizeSymbols(stringSlice(input["symbols"]))
	topics := stringSlice(input["topics"])
	if len(symbols) == 0 && len(topics) == 0 {
		return types.ToolResult{}, fmt.Errorf("%w: news_lookup requires symbols or topics", toolregistry.ErrValidation)
	}

	limit := 10
	if v, ok := input["limit"].(int); ok && v > 0 {
		limit = v
	}

	articles, err := t.fetchArticles(ctx, symbols, topics, limit)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: news_lookup: %w", err)
	}

	sources := make([]string, 0, len(articles))
	for _, a := range articles {
		sources = append(sources, a.URL)
	}

	return types.ToolResult{
		Output:         map[string]any{"articles": articles},
		Sources:        sources,
		RelevanceScore: relevanceFromCount(len(articles), limit),
		Confidence:     1.0,
	}, nil
}

func (t *NewsTool) fetchArticles(ctx context.Context, symbols, topics []string, limit int) ([]NewsArticle, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("news endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Articles []NewsArticle `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode news response: %w", err)
	}
	return body.Articles, nil
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func relevanceFromCount(got, want int) float64 {
	if want <= 0 {
		return 1.0
	}
	ratio := float64(got) / float64(want)
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}
