package agent

import (
	"fmt"

	"github.com/hula0401/marketvoice/pkg/types"
)

const defaultMinResults = 5

// buildChecklist runs §4.3 stage 2: one item per (symbol × keyword-group) for
// research/comparison intents, a single item for single-symbol fact lookups,
// and no items for chat/watchlist/unknown.
func buildChecklist(intents []types.Intent) []types.ChecklistItem {
	var items []types.ChecklistItem

	for _, intent := range intents {
		switch intent.Tag {
		case types.IntentChat, types.IntentWatchlist, types.IntentUnknown:
			continue

		case types.IntentResearch, types.IntentComparison:
			keywordGroup := joinKeywords(intent.Keywords)
			if len(intent.Symbols) == 0 {
				items = append(items, types.ChecklistItem{
					Index:      len(items),
					Query:      keywordGroup,
					Keywords:   intent.Keywords,
					MinResults: defaultMinResults,
				})
				continue
			}
			for _, symbol := range intent.Symbols {
				items = append(items, types.ChecklistItem{
					Index:      len(items),
					Query:      fmt.Sprintf("%s %s", symbol, keywordGroup),
					Symbols:    []string{symbol},
					Keywords:   intent.Keywords,
					MinResults: defaultMinResults,
				})
			}

		default: // price_check, news_search: single-symbol fact lookups
			if len(intent.Symbols) <= 1 {
				items = append(items, types.ChecklistItem{
					Index:      len(items),
					Query:      fmt.Sprintf("%s %s", intent.Tag, joinSymbols(intent.Symbols)),
					Symbols:    intent.Symbols,
					Keywords:   intent.Keywords,
					MinResults: defaultMinResults,
				})
				continue
			}
			for _, symbol := range intent.Symbols {
				items = append(items, types.ChecklistItem{
					Index:      len(items),
					Query:      fmt.Sprintf("%s %s", intent.Tag, symbol),
					Symbols:    []string{symbol},
					Keywords:   intent.Keywords,
					MinResults: defaultMinResults,
				})
			}
		}
	}

	return items
}

func joinKeywords(keywords []string) string {
	out := ""
	for i, k := range keywords {
		if i > 0 {
			out += " "
		}
		out += k
	}
	return out
}

func joinSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
