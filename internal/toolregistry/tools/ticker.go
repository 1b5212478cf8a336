// Package tools implements the five canonical toolregistry.Tool handlers
// (§4.5): price lookup, news lookup, general research, watchlist mutation,
// and preferences read.
package tools

import (
	"log/slog"
	"strings"
)

// companyToTicker maps common lowercase company names to their canonical,
// US-primary-listing ticker (§4.3: "apple" -> AAPL, "google" -> GOOGL). This
// is the defensible default product picked for the open question of exact
// map contents and update cadence (§8) — it is intentionally small and
// static rather than backed by a lookup service.
var companyToTicker = map[string]string{
	"apple":     "AAPL",
	"google":    "GOOGL",
	"alphabet":  "GOOGL",
	"microsoft": "MSFT",
	"amazon":    "AMZN",
	"meta":      "META",
	"facebook":  "META",
	"tesla":     "TSLA",
	"nvidia":    "NVDA",
	"netflix":   "NFLX",
	"intel":     "INTC",
	"amd":       "AMD",
	"ibm":       "IBM",
	"oracle":    "ORCL",
	"salesforce": "CRM",
	"disney":    "DIS",
	"walmart":   "WMT",
	"coca-cola": "KO",
	"coke":      "KO",
	"pepsi":     "PEP",
	"boeing":    "BA",
	"visa":      "V",
	"mastercard": "MA",
	"paypal":    "PYPL",
	"uber":      "UBER",
	"airbnb":    "ABNB",
	"spotify":   "SPOT",
	"berkshire": "BRK.B",
	"jpmorgan":  "JPM",
	"goldman":   "GS",
}

// NormalizeSymbol resolves raw (a ticker or a company name, any case) to a
// canonical uppercase ticker. Tickers already in symbol form pass through
// uppercased unchanged.
func NormalizeSymbol(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if ticker, ok := companyToTicker[strings.ToLower(trimmed)]; ok {
		return ticker
	}
	return strings.ToUpper(trimmed)
}

// MaxSymbolsPerTurn is the cap on distinct symbols retained per turn (§3
// Intent, §4.3 tie-breaks, §8 boundary behavior: "11 items -> only 10
// retained; warning recorded").
const MaxSymbolsPerTurn = 10

// NormalizeSymbols applies NormalizeSymbol to every entry, dropping empties
// and duplicates, and caps the result at MaxSymbolsPerTurn distinct symbols.
// Extras are dropped with a recorded warning (§4.3, §8).
func NormalizeSymbols(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var distinct []string
	for _, r := range raw {
		sym := NormalizeSymbol(r)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		distinct = append(distinct, sym)
	}
	if len(distinct) > MaxSymbolsPerTurn {
		slog.Warn("toolregistry: symbol list truncated",
			"requested", len(distinct), "kept", MaxSymbolsPerTurn, "dropped", len(distinct)-MaxSymbolsPerTurn)
		return distinct[:MaxSymbolsPerTurn]
	}
	return distinct
}
