package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/pkg/types"
)

// PriceQuote is one symbol's snapshot as returned by the upstream quote
// endpoint.
type PriceQuote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Change float64 `json:"change"`
	Volume int64   `json:"volume"`
}

// PriceTool calls a REST quote endpoint for one or more symbols (§4.5 #1).
type PriceTool struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewPriceTool builds the price lookup tool. baseURL is the quote provider's
// root endpoint (e.g. "https://api.example.com/v1/quote"); apiKey is sent as
// a bearer token when non-empty.
func NewPriceTool(baseURL, apiKey string) *PriceTool {
	return &PriceTool{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Tool returns the toolregistry.Tool registration for the price lookup.
func (t *PriceTool) Tool() toolregistry.Tool {
	return toolregistry.Tool{
		Definition: types.ToolDefinition{
			Name:                "price_lookup",
			Description:         "Returns per-symbol price, change, and volume.",
			Parameters:          map[string]any{"symbols": "string[]"},
			EstimatedDurationMs: 400,
			MaxDurationMs:       3000,
			Idempotent:          true,
			CacheableSeconds:    45,
		},
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Handler:     t.invoke,
	}
}

func (t *PriceTool) invoke(ctx context.Context, input toolregistry.Input) (types.ToolResult, error) {
	raw, _ := input["symbols"].([]string)
	if len(raw) == 0 {
		if generic, ok := input["symbols"].([]any); ok {
			for _, v := range generic {
				if s, ok := v.(string); ok {
					raw = append(raw, s)
				}
			}
		}
	}
	symbols := NormalizeSymbols(raw)
	if len(symbols) == 0 {
		return types.ToolResult{}, fmt.Errorf("%w: price_lookup requires at least one symbol", toolregistry.ErrValidation)
	}

	quotes, err := t.fetchQuotes(ctx, symbols)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("toolregistry/tools: price_lookup: %w", err)
	}

	output := make(map[string]any, len(quotes))
	sources := make([]string, 0, len(quotes))
	for _, q := range quotes {
		output[q.Symbol] = q
		sources = append(sources, fmt.Sprintf("quote:%s", q.Symbol))
	}

	return types.ToolResult{
		Output:         output,
		Sources:        sources,
		RelevanceScore: 1.0,
		Confidence:     1.0,
	}, nil
}

func (t *PriceTool) fetchQuotes(ctx context.Context, symbols []string) ([]PriceQuote, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
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
		return nil, fmt.Errorf("quote endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Quotes []PriceQuote `json:"quotes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	return body.Quotes, nil
}
