package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/types"
)

// searchResult is one hit returned by the upstream search endpoint, before
// the page itself has been fetched.
type searchResult struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// ResearchTool performs a web search and then fetches + extracts the main
// content of each result, deduping by URL and ranking hits by search score,
// highest first (§4.5 #3). Hits with equal scores have no defined order.
type ResearchTool struct {
	client     *http.Client
	searchURL  string
	apiKey     string
	maxBodyLen int64
}

// NewResearchTool builds the general-research tool. searchURL is the
// upstream search API's root endpoint.
func NewResearchTool(searchURL, apiKey string) *ResearchTool {
	return &ResearchTool{
		client:     &http.Client{Timeout: 15 * time.Second},
		searchURL:  searchURL,
		apiKey:     apiKey,
		maxBodyLen: 4 * 1000 * 1000,
	}
}

// Tool returns the toolregistry.Tool registration for general research.
func (t *ResearchTool) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Definition: types.ToolDefinition{
			Name:                "general_research",
			Description:         "Searches the web and returns deduped, ranked page snippets for a query.",
			Parameters:          map[string]any{"query": "string", "checklist_queries": "string[]?", "min_results": "int", "max_pages": "int"},
			EstimatedDurationMs: 3000,
			MaxDurationMs:       15000,
			Idempotent:          true,
			CacheableSeconds:    3600,
		},
		Timeout:     20 * time.Second,
		MaxAttempts: 2,
		Handler:     t.invoke,
	}
}

func (t *ResearchTool) invoke(ctx context.Context, input toolregistry.Input) (types.ToolResult, error) {
	query, _ := input["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return types.ToolResult{}, fmt.Errorf("%w: general_research requires a non-empty query", toolregistry.ErrValidation)
	}

	queries := append([]string{query}, stringSlice(input["checklist_queries"])...)

	minResults := 5
	if v, ok := input["min_results"].(int); ok && v > 0 {
		minResults = v
	}
	maxPages := 8
	if v, ok := input["max_pages"].(int); ok && v > 0 {
		maxPages = v
	}

	hits, err := t.searchAll(ctx, queries, maxPages)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: general_research: search: %w", err)
	}
	hits = dedupeByURL(hits)
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > maxPages {
		hits = hits[:maxPages]
	}

	evidence := make([]types.EvidenceItem, 0, len(hits))
	sources := make([]string, 0, len(hits))
	now := time.Now()
	for _, h := range hits {
		snippet, fetchErr := t.fetchSnippet(ctx, h.URL)
		if fetchErr != nil {
			continue // one bad page never fails the whole research call
		}
		evidence = append(evidence, types.EvidenceItem{
			Source:         h.URL,
			Snippet:        snippet,
			RelevanceScore: h.Score,
			FetchedAt:      now,
			ToolID:         "general_research",
		})
		sources = append(sources, h.URL)
	}

	if len(evidence) == 0 {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: general_research: no pages could be fetched for %q", query)
	}

	return types.ToolResult{
		Output:         map[string]any{"evidence": evidence},
		Sources:        sources,
		RelevanceScore: relevanceFromCount(len(evidence), minResults),
		Confidence:     relevanceFromCount(len(evidence), minResults),
	}, nil
}

func (t *ResearchTool) searchAll(ctx context.Context, queries []string, maxPages int) ([]searchResult, error) {
	var all []searchResult
	for _, q := range queries {
		results, err := t.search(ctx, q, maxPages)
		if err != nil {
			continue // a single failed sub-query degrades coverage, not the whole call
		}
		all = append(all, results...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("all %d sub-queries failed", len(queries))
	}
	return all, nil
}

func (t *ResearchTool) search(ctx context.Context, query string, limit int) ([]searchResult, error) {
	u, err := url.Parse(t.searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	qv := u.Query()
	qv.Set("q", query)
	qv.Set("limit", strconv.Itoa(limit))
	u.RawQuery = qv.Encode()

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
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return body.Results, nil
}

// fetchSnippet fetches url, extracts the main article with readability, and
// converts it to markdown — the same shape the teacher's fetch pipeline
// uses, trimmed to a bounded snippet.
func (t *ResearchTool) fetchSnippet(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; marketvoice-research/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("page fetch returned status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, t.maxBodyLen)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	finalURL := resp.Request.URL
	article, err := readability.FromReader(strings.NewReader(string(body)), finalURL)
	content := article.Content
	if err != nil || strings.TrimSpace(content) == "" {
		content = string(body)
	}

	md, err := htmltomarkdown.ConvertString(content, converter.WithDomain(baseOrigin(finalURL)))
	if err != nil {
		return "", fmt.Errorf("html to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	const maxSnippet = 2000
	if len(md) > maxSnippet {
		md = md[:maxSnippet]
	}
	return md, nil
}

func baseOrigin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func dedupeByURL(hits []searchResult) []searchResult {
	seen := make(map[string]bool, len(hits))
	out := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		if seen[h.URL] {
			continue
		}
		seen[h.URL] = true
		out = append(out, h)
	}
	return out
}
