package tools

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestNormalizeSymbol_CompanyNames(t *testing.T) {
	cases := map[string]string{
		"Apple":    "AAPL",
		"google":   "GOOGL",
		"META":     "META",
		"facebook": "META",
		"tsla":     "TSLA",
	}
	for input, want := range cases {
		if got := NormalizeSymbol(input); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeSymbols_DropsDuplicatesAndEmpties(t *testing.T) {
	got := NormalizeSymbols([]string{"aapl", "AAPL", "", "  ", "msft"})
	want := []string{"AAPL", "MSFT"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestNormalizeSymbols_TruncatesAt10 covers §8's boundary behavior: "Symbol
// input of 11 items -> only 10 retained; warning recorded."
func TestNormalizeSymbols_TruncatesAt10(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	raw := []string{
		"AAA", "BBB", "CCC", "DDD", "EEE",
		"FFF", "GGG", "HHH", "III", "JJJ", "KKK",
	}
	got := NormalizeSymbols(raw)

	if len(got) != MaxSymbolsPerTurn {
		t.Fatalf("got %d symbols, want %d", len(got), MaxSymbolsPerTurn)
	}
	for i := 0; i < MaxSymbolsPerTurn; i++ {
		if got[i] != raw[i] {
			t.Errorf("symbol %d = %q, want %q", i, got[i], raw[i])
		}
	}

	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("symbol list truncated")) {
		t.Errorf("expected a truncation warning, got log output: %s", logged)
	}
	if !bytes.Contains([]byte(logged), []byte("dropped=1")) {
		t.Errorf("expected dropped=1 in log output, got: %s", logged)
	}
}

func TestNormalizeSymbols_NoWarningAtExactlyMax(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	raw := []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG", "HHH", "III", "JJJ"}
	got := NormalizeSymbols(raw)

	if len(got) != MaxSymbolsPerTurn {
		t.Fatalf("got %d symbols, want %d", len(got), MaxSymbolsPerTurn)
	}
	if bytes.Contains(buf.Bytes(), []byte("truncated")) {
		t.Errorf("did not expect a truncation warning at exactly %d symbols, got: %s", MaxSymbolsPerTurn, buf.String())
	}
}
