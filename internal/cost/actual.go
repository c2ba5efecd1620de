package cost

import (
	"math"

	"relaymeter/internal/core"
)

// Calculation method tags attached to every actual-cost result so audit
// rows show which strategy produced the number.
const (
	MethodStandard          = "standard_calculation"
	MethodTiered            = "tiered_pricing"
	MethodPointBased        = "point_based"
	MethodHybrid            = "hybrid_formula"
	MethodDerivedPerToken   = "derived_cost_per_token"
	MethodDerivedPerMillion = "derived_cost_per_million"
	MethodDerivedPerRequest = "derived_cost_per_request"
	MethodDerivedPointBased = "derived_point_based"
	MethodEstimated         = "estimated_efficiency"
)

// ActualCost is what the account is believed to owe for one usage vector,
// after its billing profile is applied to the list-price fallback.
type ActualCost struct {
	ActualCost        float64              `json:"actual_cost"`
	CostSource        core.CostSource      `json:"cost_source"`
	ConfidenceLevel   core.ConfidenceLevel `json:"confidence_level,omitempty"`
	BillingPeriod     string               `json:"billing_period"`
	CalculationMethod string               `json:"calculation_method"`
}

// ResolveActualCost applies an account's billing profile to the standard
// list-price result. Pure: no I/O, no clock beyond the billing period
// stamp. First matching strategy wins:
//
//	tiered rate card, point conversion, hybrid formula, invoice-derived
//	rates (manual tracking), efficiency-scaled estimate, list price.
func ResolveActualCost(u core.Usage, fallback Breakdown, profile *core.AccountCostProfile) ActualCost {
	res := ActualCost{
		ActualCost:        fallback.Total,
		CostSource:        core.CostSourceCalculated,
		BillingPeriod:     core.CurrentBillingPeriod(),
		CalculationMethod: MethodStandard,
	}
	if profile == nil {
		return res
	}
	res.ConfidenceLevel = profile.ConfidenceLevel

	totalTokens := int64(u.TotalTokens())
	requests := float64(u.RequestCount())

	switch {
	case profile.BillingType == core.BillingTiered && len(profile.TieredPricing) > 0:
		res.ActualCost = TieredCost(totalTokens, profile.TieredPricing)
		res.CostSource = core.CostSourceManual
		res.CalculationMethod = MethodTiered

	case profile.BillingType == core.BillingPointBased && profile.PointConversion != nil:
		res.ActualCost = PointBasedCost(requests, float64(totalTokens), *profile.PointConversion)
		res.CostSource = core.CostSourceManual
		res.CalculationMethod = MethodPointBased

	case profile.BillingType == core.BillingHybrid && len(profile.PricingFormula) > 0:
		res.ActualCost = HybridCost(u, profile.PricingFormula, profile.FixedCosts)
		res.CostSource = core.CostSourceManual
		res.CalculationMethod = MethodHybrid

	case profile.CostTrackingMode == core.TrackingManualBilling && profile.DerivedRates != nil:
		cost, method := derivedCost(requests, float64(totalTokens), *profile.DerivedRates)
		if cost > 0 {
			res.ActualCost = cost
			res.CostSource = core.CostSourceManual
			res.CalculationMethod = method
		}

	case profile.CostTrackingMode == core.TrackingEstimated:
		mult := profile.RelativeEfficiency
		if mult <= 0 {
			mult = 1
		}
		res.ActualCost = fallback.Total * mult
		res.CostSource = core.CostSourceEstimated
		res.CalculationMethod = MethodEstimated
	}

	return res
}

// TieredCost allocates totalTokens across ascending [min,max) tiers and
// sums each slice at its tier rate. A tier with no max absorbs the
// remainder.
func TieredCost(totalTokens int64, tiers []core.PricingTier) float64 {
	total := 0.0
	for _, tier := range tiers {
		lower := tier.MinTokens
		if lower < 0 {
			lower = 0
		}
		upper := int64(math.MaxInt64)
		if tier.MaxTokens != nil {
			upper = *tier.MaxTokens
		}
		if totalTokens <= lower || upper <= lower {
			continue
		}
		allocated := totalTokens
		if allocated > upper {
			allocated = upper
		}
		total += float64(allocated-lower) / 1_000_000 * tier.CostPerMillion
	}
	return total
}

// PointBasedCost converts requests and tokens to points, then points to
// currency.
func PointBasedCost(requests, tokens float64, pc core.PointConversion) float64 {
	points := requests*pc.PointsPerRequest + tokens*pc.PointsPerToken
	return points * pc.CostPerPoint
}

// HybridCost evaluates a weighted composite formula over the usage vector,
// plus amortized fixed costs when an estimated monthly request count is
// configured.
func HybridCost(u core.Usage, components []core.FormulaComponent, fixed *core.FixedCosts) float64 {
	tokens := float64(u.TotalTokens())
	requests := float64(u.RequestCount())

	total := 0.0
	for _, comp := range components {
		var units float64
		switch comp.Type {
		case core.ComponentPerRequest:
			units = requests
		case core.ComponentPerToken:
			units = tokens
		case core.ComponentPerMillionToken:
			units = tokens / 1_000_000
		default:
			continue
		}
		total += comp.Rate * units * comp.Weight
	}

	if fixed != nil && fixed.Monthly > 0 && fixed.EstimatedMonthlyRequests > 0 {
		total += fixed.Monthly / fixed.EstimatedMonthlyRequests * requests
	}
	return total
}

// derivedCost applies invoice-derived rates, first non-zero field wins.
func derivedCost(requests, tokens float64, dr core.DerivedRates) (float64, string) {
	switch {
	case dr.CostPerToken > 0:
		return tokens * dr.CostPerToken, MethodDerivedPerToken
	case dr.CostPerMillion > 0:
		return tokens / 1_000_000 * dr.CostPerMillion, MethodDerivedPerMillion
	case dr.CostPerRequest > 0:
		return requests * dr.CostPerRequest, MethodDerivedPerRequest
	case dr.PointConversion != nil:
		return PointBasedCost(requests, tokens, *dr.PointConversion), MethodDerivedPointBased
	default:
		return 0, MethodStandard
	}
}
