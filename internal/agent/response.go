package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/types"
)

const responseSystemPrompt = `You are a market-data voice assistant. Using the user's question, the
evidence bundle below (already ranked by relevance and deduped by source), and any long-term notes
about the user, respond with ONLY a JSON object of the form:
{"response_text":"...","sentiment":"positive|neutral|negative","key_insights":["...","..."]}
key_insights must have at most 5 entries. response_text should read naturally when spoken aloud.`

// generateResponse runs §4.3 stage 5.
func (g *Graph) generateResponse(ctx context.Context, in types.TurnInput, evidence []types.EvidenceItem, notes *types.KeyNotes, intents []types.Intent) (types.TurnOutput, error) {
	systemPrompt := responseSystemPrompt
	systemPrompt += "\n\nEvidence bundle:\n" + formatEvidence(evidence)
	if notes != nil && len(notes.Categories) > 0 {
		systemPrompt += "\n\nLong-term notes about this user:\n" + formatNotes(notes)
	}
	systemPrompt += "\n\nRecognized intents: " + formatIntents(intents)

	start := time.Now()
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: in.Text}},
		SystemPrompt: systemPrompt,
		Temperature:  0.3,
	})
	if err != nil {
		g.logLLMCall(in.SessionID, "response_generation", systemPrompt, "", start, "error")
		return types.TurnOutput{}, fmt.Errorf("agent: response generation: %w", err)
	}

	out, ok := parseResponse(resp.Content)
	if !ok {
		g.logLLMCall(in.SessionID, "response_generation", systemPrompt, resp.Content, start, "unparsable")
		return types.TurnOutput{}, fmt.Errorf("agent: response generation: unparsable model output")
	}
	g.logLLMCall(in.SessionID, "response_generation", systemPrompt, resp.Content, start, "ok")
	return out, nil
}

func parseResponse(raw string) (types.TurnOutput, bool) {
	raw = stripControlChars(raw)
	raw = stripCodeFence(raw)
	parsed := gjson.Parse(raw)
	text := parsed.Get("response_text").String()
	if strings.TrimSpace(text) == "" {
		return types.TurnOutput{}, false
	}

	sentiment := types.Sentiment(parsed.Get("sentiment").String())
	switch sentiment {
	case types.SentimentPositive, types.SentimentNeutral, types.SentimentNegative:
	default:
		sentiment = types.SentimentNeutral
	}

	var insights []string
	for _, v := range parsed.Get("key_insights").Array() {
		insights = append(insights, v.String())
		if len(insights) == 5 {
			break
		}
	}

	return types.TurnOutput{
		ResponseText: text,
		Sentiment:    sentiment,
		KeyInsights:  insights,
	}, true
}

// fallbackResponse runs the documented stage-5 failure path: the evidence
// bundle's top snippet becomes a plain-text summary, sentiment neutral, no
// insights.
func fallbackResponse(evidence []types.EvidenceItem) types.TurnOutput {
	if len(evidence) == 0 {
		return types.TurnOutput{
			ResponseText: "I found some information but couldn't summarize it right now.",
			Sentiment:    types.SentimentNeutral,
		}
	}
	return types.TurnOutput{
		ResponseText: evidence[0].Snippet,
		Sentiment:    types.SentimentNeutral,
	}
}

func formatEvidence(evidence []types.EvidenceItem) string {
	var b strings.Builder
	for _, e := range evidence {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Source, e.Snippet)
	}
	if b.Len() == 0 {
		return "(no evidence gathered)"
	}
	return b.String()
}

func formatIntents(intents []types.Intent) string {
	var parts []string
	for _, in := range intents {
		parts = append(parts, string(in.Tag))
	}
	return strings.Join(parts, ", ")
}
