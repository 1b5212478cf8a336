package agent

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/hula0401/marketvoice/pkg/types"
)

// TestAllSymbols_TruncatesAt10 covers §8's boundary behavior for the
// across-intent merge (distinct from tools.NormalizeSymbols' per-intent
// cap): 11 distinct symbols spread across intents still only yields 10,
// with a warning recorded.
func TestAllSymbols_TruncatesAt10(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	intents := []types.Intent{
		{Tag: types.IntentPriceCheck, Symbols: []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF"}},
		{Tag: types.IntentNewsSearch, Symbols: []string{"FFF", "GGG", "HHH", "III", "JJJ", "KKK"}},
	}

	got := allSymbols("sess-1", intents)

	if len(got) != 10 {
		t.Fatalf("got %d symbols, want 10: %v", len(got), got)
	}

	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("turn symbol set truncated")) {
		t.Errorf("expected a truncation warning, got log output: %s", logged)
	}
	if !bytes.Contains([]byte(logged), []byte("session_id=sess-1")) {
		t.Errorf("expected session_id in log output, got: %s", logged)
	}
}

func TestAllSymbols_DedupesAcrossIntents(t *testing.T) {
	intents := []types.Intent{
		{Tag: types.IntentPriceCheck, Symbols: []string{"AAPL", "MSFT"}},
		{Tag: types.IntentNewsSearch, Symbols: []string{"MSFT", "NVDA"}},
	}

	got := allSymbols("sess-2", intents)
	want := []string{"AAPL", "MSFT", "NVDA"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
