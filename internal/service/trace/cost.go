package trace

import "math"

// modelPrice is a price in cents per one million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// defaultPrice applies to models missing from the table.
var defaultPrice = modelPrice{Input: 100, Output: 100}

var modelPrices = map[string]modelPrice{
	"moonshotai/kimi-k2":             {Input: 60, Output: 60},
	"moonshotai/kimi-k2-thinking":    {Input: 60, Output: 60},
	"anthropic/claude-sonnet-4":      {Input: 300, Output: 1500},
	"anthropic/claude-opus-4":        {Input: 1500, Output: 7500},
	"openai/gpt-4o":                  {Input: 250, Output: 1000},
	"openai/gpt-4o-mini":             {Input: 15, Output: 60},
	"deepseek/deepseek-chat-v3-0324": {Input: 14, Output: 28},
	"mistralai/devstral-2505":        {Input: 0, Output: 0},
	"z-ai/glm-4.7":                   {Input: 44, Output: 174},
	"minimax/minimax-m2.1":           {Input: 30, Output: 120},
	"claude-sonnet-4-20250514":       {Input: 300, Output: 1500},
	"claude-opus-4-20250514":         {Input: 1500, Output: 7500},
	"gpt-4o":                         {Input: 250, Output: 1000},
	"gpt-4o-mini":                    {Input: 15, Output: 60},
}

// EstimateCostMillicents prices a token count for model. One dollar is
// 100,000 millicents.
func EstimateCostMillicents(model string, promptTokens, completionTokens int64) int64 {
	p, ok := modelPrices[model]
	if !ok {
		p = defaultPrice
	}
	in := float64(promptTokens) / 1_000_000 * p.Input * 100
	out := float64(completionTokens) / 1_000_000 * p.Output * 100
	return int64(math.Round(in + out))
}

// MillicentsToDollars converts a millicent amount to dollars.
func MillicentsToDollars(m int64) float64 {
	return float64(m) / 100_000
}
