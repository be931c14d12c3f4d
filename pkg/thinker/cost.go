package thinker

import "strings"

// modelRate is USD cents per million tokens.
type modelRate struct {
	prefix string
	in     float64
	out    float64
}

// Published list prices, coarse by model family. Unknown models cost zero
// rather than guessing.
var modelRates = []modelRate{
	{prefix: "gpt-4o-mini", in: 15, out: 60},
	{prefix: "gpt-4o", in: 250, out: 1000},
	{prefix: "gpt-4.1-mini", in: 40, out: 160},
	{prefix: "gpt-4.1", in: 200, out: 800},
	{prefix: "claude-3-5-haiku", in: 80, out: 400},
	{prefix: "claude-sonnet", in: 300, out: 1500},
	{prefix: "claude-opus", in: 1500, out: 7500},
}

// costCentsX100 returns the call cost in hundredths of a cent, keeping the
// running tally integral.
func costCentsX100(model string, tokensIn, tokensOut int) uint64 {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, r := range modelRates {
		if strings.HasPrefix(model, r.prefix) {
			cost := (float64(tokensIn)*r.in + float64(tokensOut)*r.out) / 1e6
			return uint64(cost * 100)
		}
	}
	return 0
}
