package llmgateway

import "github.com/strixsec/strix/internal/agentmodel"

// modelPrice is USD per million tokens, matching how every provider in
// the corpus publishes its own pricing.
type modelPrice struct {
	inputPerMTok  float64
	outputPerMTok float64
	cachedPerMTok float64
}

// priceTable is a static snapshot, not a live pricing feed: the
// component design resolves the "where does the cost table come from"
// open question as a static per-model table with a default fallback
// entry, re-derived by hand when providers change published prices
// rather than fetched at runtime.
var priceTable = map[string]modelPrice{
	"claude-opus-4":    {inputPerMTok: 15, outputPerMTok: 75, cachedPerMTok: 1.5},
	"claude-sonnet-4":  {inputPerMTok: 3, outputPerMTok: 15, cachedPerMTok: 0.3},
	"claude-haiku-3.5": {inputPerMTok: 0.8, outputPerMTok: 4, cachedPerMTok: 0.08},
	"gpt-4o":           {inputPerMTok: 2.5, outputPerMTok: 10, cachedPerMTok: 1.25},
	"gpt-4o-mini":      {inputPerMTok: 0.15, outputPerMTok: 0.6, cachedPerMTok: 0.075},
	"default":          {inputPerMTok: 3, outputPerMTok: 15, cachedPerMTok: 0.3},
}

// EstimateCost prices one request's usage against the static table,
// falling back to the "default" entry for any model not listed.
func EstimateCost(model string, usage agentmodel.Usage) float64 {
	price, ok := priceTable[model]
	if !ok {
		price = priceTable["default"]
	}
	cost := float64(usage.InputTokens) / 1e6 * price.inputPerMTok
	cost += float64(usage.OutputTokens) / 1e6 * price.outputPerMTok
	cost += float64(usage.CachedTokens) / 1e6 * price.cachedPerMTok
	return cost
}
