package agent

import (
	"testing"

	"github.com/hula0401/marketvoice/pkg/types"
)

func TestStripControlChars(t *testing.T) {
	in := "{\"a\":\x00\x01\"b\x07c\"}\x7f"
	want := "{\"a\":\"bc\"}"
	if got := stripControlChars(in); got != want {
		t.Errorf("stripControlChars(%q) = %q, want %q", in, got, want)
	}
}

func TestStripControlChars_KeepsTabAndNewline(t *testing.T) {
	in := "line one\n\tindented"
	if got := stripControlChars(in); got != in {
		t.Errorf("stripControlChars(%q) = %q, want unchanged", in, got)
	}
}

// TestParseIntents_ToleratesStrayControlCharacters covers §9's tolerant
// parser requirement directly: a control byte embedded in otherwise
// well-formed intent JSON must not make the payload unparsable.
func TestParseIntents_ToleratesStrayControlCharacters(t *testing.T) {
	raw := "```json\n{\"intents\":[{\"tag\":\"price_check\",\"symbols\":[\"AAPL\x07\"],\"keywords\":[]}]}\n```"
	intents := parseIntents(raw)
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1: %+v", len(intents), intents)
	}
	if intents[0].Tag != types.IntentPriceCheck {
		t.Errorf("got tag %q, want price_check", intents[0].Tag)
	}
	if len(intents[0].Symbols) != 1 || intents[0].Symbols[0] != "AAPL" {
		t.Errorf("got symbols %v, want [AAPL]", intents[0].Symbols)
	}
}

// TestParseResponse_ToleratesStrayControlCharacters mirrors the above for
// stage 5's response-generation parser.
func TestParseResponse_ToleratesStrayControlCharacters(t *testing.T) {
	raw := "{\"response_text\":\"META is up\x01 today\",\"sentiment\":\"positive\",\"key_insights\":[\"earnings beat\"]}"
	out, ok := parseResponse(raw)
	if !ok {
		t.Fatalf("parseResponse failed to parse: %q", raw)
	}
	if out.ResponseText != "META is up today" {
		t.Errorf("got response_text %q, want %q", out.ResponseText, "META is up today")
	}
	if out.Sentiment != types.SentimentPositive {
		t.Errorf("got sentiment %q, want positive", out.Sentiment)
	}
}
