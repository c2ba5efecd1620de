// Package inference derives unknown per-token rates from historical
// invoices and reconciles computed costs against real bills.
package inference

import "math"

// Sample pairs one billing period's token total with its invoiced amount.
type Sample struct {
	Tokens float64
	Amount float64
}

// Fit is the result of a least-squares fit of amount against tokens.
type Fit struct {
	// Slope is the marginal cost per token, Intercept the fixed monthly
	// cost implied by the invoices.
	Slope     float64
	Intercept float64

	// RSquared is the goodness of fit, clamped to [0,1].
	RSquared float64

	// Quality is 1 minus the mean absolute relative prediction error,
	// clamped to [0,1]. Zero when the fit is degenerate.
	Quality float64

	// Degenerate marks a zero-variance token series, where no rate can
	// be inferred.
	Degenerate bool
}

// FitOLS fits amount = slope*tokens + intercept by ordinary least squares.
// A dataset with identical token counts across all samples has no slope to
// recover and returns a degenerate fit with zero quality.
func FitOLS(samples []Sample) Fit {
	n := float64(len(samples))
	if n < 2 {
		return Fit{Degenerate: true}
	}

	var sumX, sumY float64
	for _, s := range samples {
		sumX += s.Tokens
		sumY += s.Amount
	}
	meanX := sumX / n
	meanY := sumY / n

	var sxx, sxy float64
	for _, s := range samples {
		dx := s.Tokens - meanX
		sxx += dx * dx
		sxy += dx * (s.Amount - meanY)
	}
	if sxx == 0 {
		return Fit{Degenerate: true}
	}

	fit := Fit{
		Slope: sxy / sxx,
	}
	fit.Intercept = meanY - fit.Slope*meanX

	var ssRes, ssTot, relErrSum float64
	relErrCount := 0
	for _, s := range samples {
		pred := fit.Slope*s.Tokens + fit.Intercept
		resid := s.Amount - pred
		ssRes += resid * resid
		dy := s.Amount - meanY
		ssTot += dy * dy
		if s.Amount != 0 {
			relErrSum += math.Abs(resid) / math.Abs(s.Amount)
			relErrCount++
		}
	}

	if ssTot > 0 {
		fit.RSquared = clamp01(1 - ssRes/ssTot)
	}
	if relErrCount > 0 {
		fit.Quality = clamp01(1 - relErrSum/float64(relErrCount))
	}
	return fit
}

// Billing patterns inferred from invoice shape.
const (
	PatternStandard = "standard"
	PatternTiered   = "tiered"
	PatternUnknown  = "unknown"
)

// ClassifyBillingPattern inspects the per-period effective rate
// (amount over tokens). A near-constant rate means flat per-token
// billing; rates whose spread exceeds ten percent of their mean suggest
// tiered or volume-discounted pricing.
func ClassifyBillingPattern(samples []Sample) string {
	var rates []float64
	for _, s := range samples {
		if s.Tokens > 0 && s.Amount > 0 {
			rates = append(rates, s.Amount/s.Tokens)
		}
	}
	if len(rates) < 2 {
		return PatternUnknown
	}

	var sum float64
	for _, r := range rates {
		sum += r
	}
	mean := sum / float64(len(rates))
	if mean == 0 {
		return PatternUnknown
	}

	var variance float64
	for _, r := range rates {
		d := r - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(rates)))

	if stddev/mean < 0.10 {
		return PatternStandard
	}
	return PatternTiered
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
