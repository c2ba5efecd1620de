// Package cost computes list-price cost breakdowns and resolves the
// account-specific "actual" cost from billing profiles.
package cost

import (
	"fmt"

	"relaymeter/internal/core"
	"relaymeter/internal/pricing"
)

// Cache-creation surcharges relative to the base input rate, by ephemeral
// TTL tier.
const (
	ephemeral5mMultiplier = 1.25
	ephemeral1hMultiplier = 2.0
)

// Breakdown is the list-price cost of one usage vector, per token kind.
// Values are USD. Recomputable from the vector and a pricing snapshot, so
// it may be cached but is never a source of truth.
type Breakdown struct {
	Model          string  `json:"model"`
	InputCost      float64 `json:"input_cost"`
	OutputCost     float64 `json:"output_cost"`
	CacheWriteCost float64 `json:"cache_write_cost"`
	CacheReadCost  float64 `json:"cache_read_cost"`
	Total          float64 `json:"total"`

	// LongContext reports that the premium rate card applied because the
	// request crossed the extended-context threshold.
	LongContext bool `json:"long_context,omitempty"`

	// DynamicPricing reports whether the rates came from the dynamic
	// price table rather than the static fallback.
	DynamicPricing bool `json:"dynamic_pricing,omitempty"`
}

// Calculator computes standard list-price costs. Pure apart from the
// resolver's atomic table read; safe for concurrent use.
type Calculator struct {
	resolver *pricing.Resolver
}

// NewCalculator returns a Calculator backed by the given price resolver.
func NewCalculator(resolver *pricing.Resolver) *Calculator {
	return &Calculator{resolver: resolver}
}

// Calculate prices a usage vector at the model's list rates. Zero usage in
// any bucket contributes zero cost; negative counts are treated as zero.
func (c *Calculator) Calculate(model string, u core.Usage) Breakdown {
	res, dynamic := c.resolver.Resolve(model)

	rates := res.Prices
	longContext := false
	if res.LongContextTagged && u.InputSideTokens() > pricing.LongContextThreshold {
		rates = res.LongContext
		longContext = true
	}

	b := Breakdown{
		Model:          model,
		InputCost:      perMillion(u.InputTokens, rates.Input),
		OutputCost:     perMillion(u.OutputTokens, rates.Output),
		CacheReadCost:  perMillion(u.CacheReadTokens, rates.CacheRead),
		CacheWriteCost: c.cacheWriteCost(u, rates),
		LongContext:    longContext,
		DynamicPricing: dynamic,
	}
	b.Total = b.InputCost + b.OutputCost + b.CacheWriteCost + b.CacheReadCost
	return b
}

// CalculateAggregated prices a batch of usage vectors for one model and
// sums the buckets. Long-context and dynamic-pricing flags are set if any
// vector in the batch triggered them.
func (c *Calculator) CalculateAggregated(model string, usages []core.Usage) Breakdown {
	total := Breakdown{Model: model}
	for _, u := range usages {
		b := c.Calculate(model, u)
		total.InputCost += b.InputCost
		total.OutputCost += b.OutputCost
		total.CacheWriteCost += b.CacheWriteCost
		total.CacheReadCost += b.CacheReadCost
		total.Total += b.Total
		total.LongContext = total.LongContext || b.LongContext
		total.DynamicPricing = total.DynamicPricing || b.DynamicPricing
	}
	return total
}

// cacheWriteCost prices cache creation. When the vector carries the
// ephemeral TTL sub-breakdown, each tier is priced off the input rate with
// its own surcharge; otherwise the flat cache-write rate applies.
func (c *Calculator) cacheWriteCost(u core.Usage, rates pricing.Prices) float64 {
	if !u.HasCacheDetail() {
		return perMillion(u.CacheCreateTokens, rates.CacheWrite)
	}
	return perMillion(u.Ephemeral5mTokens, rates.Input*ephemeral5mMultiplier) +
		perMillion(u.Ephemeral1hTokens, rates.Input*ephemeral1hMultiplier)
}

// CacheSavings estimates how much the cache-read discount saved versus
// paying the full input rate for the same tokens. Never negative.
func (c *Calculator) CacheSavings(model string, u core.Usage) float64 {
	res, _ := c.resolver.Resolve(model)
	saved := perMillion(u.CacheReadTokens, res.Prices.Input-res.Prices.CacheRead)
	if saved < 0 {
		return 0
	}
	return saved
}

func perMillion(tokens int, ratePerMillion float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1_000_000 * ratePerMillion
}

// FormatCost renders a USD amount with precision scaled to its magnitude,
// so dashboards show $12.34 for invoices and $0.000042 for single calls.
func FormatCost(v float64) string {
	switch {
	case v >= 1:
		return fmt.Sprintf("$%.2f", v)
	case v >= 0.001:
		return fmt.Sprintf("$%.4f", v)
	default:
		return fmt.Sprintf("$%.6f", v)
	}
}
