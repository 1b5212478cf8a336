package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hula0401/marketvoice/internal/toolregistry/tools"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/types"
)

const intentSystemPrompt = `You are the intent analyzer for a market-data voice assistant.
Given the user's utterance, recent conversation turns, and any long-term notes about them,
respond with ONLY a JSON object of the form:
{"intents":[{"tag":"price_check|news_search|research|comparison|watchlist|chat|unknown","symbols":["AAPL"],"keywords":["earnings"],"watchlist_action":"add|remove|view"}]}
symbols must be ticker symbols or company names; watchlist_action is only present for watchlist intents.`

// analyzeIntent runs §4.3 stage 1. On any LLM failure or unparsable output it
// degrades to a single IntentUnknown item per the documented fallback.
func (g *Graph) analyzeIntent(ctx context.Context, in types.TurnInput, recent []types.Message, notes *types.KeyNotes) ([]types.Intent, error) {
	messages := make([]types.Message, 0, len(recent)+1)
	messages = append(messages, recent...)
	messages = append(messages, types.Message{Role: "user", Content: in.Text})

	systemPrompt := intentSystemPrompt
	if notes != nil && len(notes.Categories) > 0 {
		systemPrompt += "\n\nLong-term notes about this user:\n" + formatNotes(notes)
	}

	start := time.Now()
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: systemPrompt,
		Temperature:  0,
	})
	if err != nil {
		g.logLLMCall(in.SessionID, "intent_analysis", systemPrompt, "", start, "error")
		return fallbackIntents(), nil
	}

	intents := parseIntents(resp.Content)
	if len(intents) == 0 {
		g.logLLMCall(in.SessionID, "intent_analysis", systemPrompt, resp.Content, start, "unparsable")
		return fallbackIntents(), nil
	}
	g.logLLMCall(in.SessionID, "intent_analysis", systemPrompt, resp.Content, start, "ok")
	return intents, nil
}

// logLLMCall is a no-op when no CallLogger is configured.
func (g *Graph) logLLMCall(sessionID, stage, prompt, response string, start time.Time, status string) {
	if g.calls == nil {
		return
	}
	g.calls.LogLLMCall(sessionID, stage, g.cfg.ModelName, prompt, response, time.Since(start).Milliseconds(), status)
}

func fallbackIntents() []types.Intent {
	return []types.Intent{{Tag: types.IntentUnknown}}
}

func formatNotes(notes *types.KeyNotes) string {
	var b strings.Builder
	for category, summary := range notes.Categories {
		fmt.Fprintf(&b, "- %s: %s\n", category, summary)
	}
	return b.String()
}

// parseIntents tolerantly extracts the intents array from raw, which may be
// wrapped in prose or a markdown code fence — gjson.Parse does not require
// raw to be valid top-level JSON before locating the first object.
func parseIntents(raw string) []types.Intent {
	raw = stripControlChars(raw)
	raw = stripCodeFence(raw)
	result := gjson.Get(raw, "intents")
	if !result.IsArray() {
		return nil
	}

	var intents []types.Intent
	for _, item := range result.Array() {
		tag := types.IntentTag(item.Get("tag").String())
		switch tag {
		case types.IntentPriceCheck, types.IntentNewsSearch, types.IntentResearch,
			types.IntentComparison, types.IntentWatchlist, types.IntentChat, types.IntentUnknown:
		default:
			continue
		}

		var rawSymbols []string
		for _, s := range item.Get("symbols").Array() {
			rawSymbols = append(rawSymbols, s.String())
		}
		var keywords []string
		for _, k := range item.Get("keywords").Array() {
			keywords = append(keywords, k.String())
		}

		intent := types.Intent{
			Tag:      tag,
			Symbols:  tools.NormalizeSymbols(rawSymbols),
			Keywords: keywords,
		}
		if action := item.Get("watchlist_action").String(); action != "" {
			intent.WatchlistAction = types.WatchlistAction(action)
		}
		intents = append(intents, intent)
	}
	return intents
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// stripControlChars drops non-printable control characters (everything
// below 0x20 except tab and newline, plus DEL) from raw LLM output before
// it reaches gjson (§9: "strip non-printable characters before parsing").
// A stray control byte in an otherwise well-formed JSON response should
// degrade gracefully rather than make the whole payload unparsable.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7F:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
