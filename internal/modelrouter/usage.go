package modelrouter

import "sync"

// ModelUsage is the accumulated accounting for one model slug.
type ModelUsage struct {
	Calls            int     `json:"calls"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// tokenRates holds gateway list prices in USD per million tokens.
// Models not listed accrue zero cost.
var tokenRates = map[string]struct{ in, out float64 }{
	"anthropic/claude-sonnet-4.6": {3.00, 15.00},
	"openai/gpt-4.1":              {2.00, 8.00},
	"openai/gpt-4.1-mini":         {0.40, 1.60},
	"google/gemini-2.5-pro":       {1.25, 10.00},
	"google/gemini-2.5-flash":     {0.30, 2.50},
	"x-ai/grok-3":                 {3.00, 15.00},
}

// usageLog accumulates per-model call counts, tokens, and estimated
// spend across the daemon's lifetime.
type usageLog struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

func newUsageLog() *usageLog {
	return &usageLog{models: make(map[string]*ModelUsage)}
}

func (l *usageLog) recordSuccess(model string, u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu := l.get(model)
	mu.Calls++
	mu.PromptTokens += u.PromptTokens
	mu.CompletionTokens += u.CompletionTokens
	if rate, ok := tokenRates[model]; ok {
		mu.EstimatedCostUSD += float64(u.PromptTokens)/1e6*rate.in +
			float64(u.CompletionTokens)/1e6*rate.out
	}
}

func (l *usageLog) recordFailure(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(model).Failures++
}

func (l *usageLog) get(model string) *ModelUsage {
	mu, ok := l.models[model]
	if !ok {
		mu = &ModelUsage{}
		l.models[model] = mu
	}
	return mu
}

// snapshot returns a copy safe to serve over the API.
func (l *usageLog) snapshot() map[string]ModelUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ModelUsage, len(l.models))
	for model, mu := range l.models {
		out[model] = *mu
	}
	return out
}
