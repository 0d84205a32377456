// Package cost defines token accounting and cost estimation for agent runs.
package cost

import "math"

// TokenUsage counts the language-model tokens consumed by one phase.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

// Rates holds the per-token USD prices used for estimation.
// They are injected from configuration, never hard-coded into the engine.
type Rates struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// DefaultRates returns the reference pricing used when none is configured.
func DefaultRates() Rates {
	return Rates{InputPerToken: 3e-6, OutputPerToken: 15e-6}
}

// Summary is the aggregate of a run's token usage priced at the given rates.
type Summary struct {
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	TotalTokens  int64   `json:"total_tokens"`
	EstimatedUSD float64 `json:"estimated_usd"` // display precision, 4 decimals
	BillableUSD  float64 `json:"billable_usd"`  // billing precision, 2 decimals
}

// Sum reduces a sequence of per-phase usages to a single total.
func Sum(usages []TokenUsage) TokenUsage {
	var total TokenUsage
	for _, u := range usages {
		total = total.Add(u)
	}
	return total
}

// Estimate prices the given usages. It is a pure reduction: the same
// input list always yields the same Summary, regardless of order.
func Estimate(usages []TokenUsage, rates Rates) Summary {
	total := Sum(usages)
	raw := float64(total.InputTokens)*rates.InputPerToken +
		float64(total.OutputTokens)*rates.OutputPerToken
	return Summary{
		TokensIn:     total.InputTokens,
		TokensOut:    total.OutputTokens,
		TotalTokens:  total.InputTokens + total.OutputTokens,
		EstimatedUSD: round(raw, 4),
		BillableUSD:  round(raw, 2),
	}
}

// round rounds half away from zero to the given number of decimal places.
func round(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// UserSummary aggregates billed cost across all of a user's runs.
type UserSummary struct {
	UserID       string  `json:"user_id"`
	RunCount     int     `json:"run_count"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}
