// Package cost converts token usage into USD using per-model pricing.
package cost

import "github.com/jobfeed/jobfeed/internal/model"

// pricing holds USD prices per 1000 tokens.
type pricing struct {
	input  float64
	output float64
}

var priceTable = map[string]pricing{
	"gpt-4":                  {0.03, 0.06},
	"gpt-4-32k":              {0.06, 0.12},
	"gpt-4-0125-preview":     {0.01, 0.03},
	"gpt-4-1106-preview":     {0.01, 0.03},
	"gpt-3.5-turbo-0125":     {0.0005, 0.0015},
	"gpt-3.5-turbo-instruct": {0.0015, 0.0020},
	"gpt-3.5-turbo":          {0.0005, 0.0015},
}

// Of returns the USD cost of usage under the given model, or false when
// the model has no known pricing.
func Of(usage model.TokenUsage, llmModel string) (float64, bool) {
	p, ok := priceTable[llmModel]
	if !ok {
		return 0, false
	}
	cost := float64(usage.PromptTokens)/1000.0*p.input +
		float64(usage.CompletionTokens)/1000.0*p.output
	return cost, true
}
