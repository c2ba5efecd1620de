// Package analytics is the read side: cost-efficiency aggregation over the
// ledger, trend comparison, and anomaly detection. It never touches the
// fast store; the live counters are not a consistent queryable source.
package analytics

import (
	"fmt"
	"strings"
	"time"

	"relaymeter/config"
)

// Totals is a plain aggregate over a set of ledger rows.
type Totals struct {
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	SuccessCount int64   `json:"success_count"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Ratios are the efficiency figures derived from Totals.
type Ratios struct {
	TokensPerDollar      float64 `json:"tokens_per_dollar"`
	CostPerMillionTokens float64 `json:"cost_per_million_tokens"`
	CostPerRequest       float64 `json:"cost_per_request"`
	SuccessRate          float64 `json:"success_rate"`
}

// ComputeRatios derives efficiency ratios, reporting zero instead of
// dividing by zero on empty windows.
func ComputeRatios(t Totals) Ratios {
	r := Ratios{}
	if t.Cost > 0 {
		r.TokensPerDollar = float64(t.Tokens) / t.Cost
	}
	if t.Tokens > 0 {
		r.CostPerMillionTokens = t.Cost / float64(t.Tokens) * 1_000_000
	}
	if t.Requests > 0 {
		r.CostPerRequest = t.Cost / float64(t.Requests)
	}
	if total := t.SuccessCount + t.ErrorCount; total > 0 {
		r.SuccessRate = float64(t.SuccessCount) / float64(total)
	}
	return r
}

// TrendAnalysis splits a window into a recent slice and everything before
// it, then compares cost efficiency across the two.
type TrendAnalysis struct {
	Recent           Totals `json:"recent"`
	Historical       Totals `json:"historical"`
	RecentRatios     Ratios `json:"recent_ratios"`
	HistoricalRatios Ratios `json:"historical_ratios"`

	// CostTrendRatio is recent cost-per-million over historical. One
	// means flat, above one means costs are rising. Zero when either
	// side has no token volume.
	CostTrendRatio float64 `json:"cost_trend_ratio"`

	// EfficiencyImprovement reports that recent cost-per-million dropped
	// below historical.
	EfficiencyImprovement bool `json:"efficiency_improvement"`
}

// AnalyzeTrend compares the two sub-windows.
func AnalyzeTrend(recent, historical Totals) TrendAnalysis {
	ta := TrendAnalysis{
		Recent:           recent,
		Historical:       historical,
		RecentRatios:     ComputeRatios(recent),
		HistoricalRatios: ComputeRatios(historical),
	}
	if ta.RecentRatios.CostPerMillionTokens > 0 && ta.HistoricalRatios.CostPerMillionTokens > 0 {
		ta.CostTrendRatio = ta.RecentRatios.CostPerMillionTokens / ta.HistoricalRatios.CostPerMillionTokens
		ta.EfficiencyImprovement = ta.CostTrendRatio < 1
	}
	return ta
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is one flagged irregularity in an account or model's spend.
type Anomaly struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// Anomaly type tags.
const (
	AnomalyCostAboveBand  = "cost_above_expected_band"
	AnomalyCostRising     = "cost_rising"
	AnomalyLowSuccessRate = "low_success_rate"
)

// Detection thresholds.
const (
	bandWarningFactor    = 1.5
	bandCriticalFactor   = 2.0
	trendWarningRatio    = 1.5
	trendCriticalRatio   = 2.0
	successWarningFloor  = 0.90
	successCriticalFloor = 0.70
)

// Model capability categories, used to pick an expected cost band when no
// explicit override exists.
const (
	CategoryIntelligent = "intelligent"
	CategoryBalanced    = "balanced"
	CategoryEconomic    = "economic"
)

// defaultBands maps a model category to its expected cost-per-million
// range in USD, blended across input and output at typical mix.
var defaultBands = map[string]config.CostBand{
	CategoryIntelligent: {Min: 10, Max: 40},
	CategoryBalanced:    {Min: 1, Max: 10},
	CategoryEconomic:    {Min: 0.05, Max: 1},
}

// ModelCategory buckets a model id by capability tier.
func ModelCategory(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus") || strings.Contains(m, "pro"):
		return CategoryIntelligent
	case strings.Contains(m, "haiku") || strings.Contains(m, "mini") ||
		strings.Contains(m, "flash") || strings.Contains(m, "lite") ||
		strings.Contains(m, "nano"):
		return CategoryEconomic
	default:
		return CategoryBalanced
	}
}

// BandFor picks the expected cost band for a model: the first override
// whose key fragment appears in the model id wins, then the category
// default.
func BandFor(model string, overrides map[string]config.CostBand) config.CostBand {
	m := strings.ToLower(model)
	for fragment, band := range overrides {
		if strings.Contains(m, strings.ToLower(fragment)) {
			return band
		}
	}
	return defaultBands[ModelCategory(model)]
}

// DetectAnomalies flags irregular spend for one model's trend window. The
// returned severity is the worst across all flags.
func DetectAnomalies(model string, trend TrendAnalysis, overrides map[string]config.CostBand) ([]Anomaly, Severity) {
	var anomalies []Anomaly
	band := BandFor(model, overrides)

	cpm := trend.RecentRatios.CostPerMillionTokens
	if band.Max > 0 && cpm > band.Max*bandWarningFactor {
		sev := SeverityWarning
		if cpm > band.Max*bandCriticalFactor {
			sev = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyCostAboveBand,
			Severity:  sev,
			Message:   fmt.Sprintf("cost per million %.2f exceeds expected band max %.2f", cpm, band.Max),
			Value:     cpm,
			Threshold: band.Max * bandWarningFactor,
		})
	}

	if trend.CostTrendRatio >= trendWarningRatio {
		sev := SeverityWarning
		if trend.CostTrendRatio >= trendCriticalRatio {
			sev = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyCostRising,
			Severity:  sev,
			Message:   fmt.Sprintf("cost per million rose %.0f%% versus the historical window", (trend.CostTrendRatio-1)*100),
			Value:     trend.CostTrendRatio,
			Threshold: trendWarningRatio,
		})
	}

	successRate := trend.RecentRatios.SuccessRate
	if trend.Recent.SuccessCount+trend.Recent.ErrorCount > 0 && successRate < successWarningFloor {
		sev := SeverityWarning
		if successRate < successCriticalFloor {
			sev = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:      AnomalyLowSuccessRate,
			Severity:  sev,
			Message:   fmt.Sprintf("success rate %.1f%% below the %.0f%% floor", successRate*100, successWarningFloor*100),
			Value:     successRate,
			Threshold: successWarningFloor,
		})
	}

	return anomalies, maxSeverity(anomalies)
}

func maxSeverity(anomalies []Anomaly) Severity {
	out := SeverityNone
	for _, a := range anomalies {
		if a.Severity == SeverityCritical {
			return SeverityCritical
		}
		if a.Severity == SeverityWarning {
			out = SeverityWarning
		}
	}
	return out
}

// Cache efficiency ratings by hit rate.
const (
	CacheRatingExcellent = "excellent"
	CacheRatingGood      = "good"
	CacheRatingFair      = "fair"
	CacheRatingLow       = "low"
)

// CacheEfficiency summarizes how much the prompt cache reduced spend in a
// window.
type CacheEfficiency struct {
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheCreateTokens int64   `json:"cache_create_tokens"`
	TotalTokens       int64   `json:"total_tokens"`
	HitRate           float64 `json:"hit_rate"`

	// Utilization is reads over reads plus writes: how often cached
	// content was reused rather than just created.
	Utilization    float64 `json:"utilization"`
	EstimatedSaved float64 `json:"estimated_saved"`
	Rating         string  `json:"rating"`
}

// ComputeCacheEfficiency derives the cache hit rate, reuse utilization,
// and estimated savings given the full-price rate the cached tokens would
// have cost.
func ComputeCacheEfficiency(cacheReadTokens, cacheCreateTokens, totalTokens int64, inputRatePerMillion, cacheReadRatePerMillion float64) CacheEfficiency {
	ce := CacheEfficiency{
		CacheReadTokens:   cacheReadTokens,
		CacheCreateTokens: cacheCreateTokens,
		TotalTokens:       totalTokens,
	}
	if totalTokens > 0 {
		ce.HitRate = float64(cacheReadTokens) / float64(totalTokens)
	}
	if cached := cacheReadTokens + cacheCreateTokens; cached > 0 {
		ce.Utilization = float64(cacheReadTokens) / float64(cached)
	}
	saved := float64(cacheReadTokens) / 1_000_000 * (inputRatePerMillion - cacheReadRatePerMillion)
	if saved > 0 {
		ce.EstimatedSaved = saved
	}
	switch {
	case ce.HitRate >= 0.5:
		ce.Rating = CacheRatingExcellent
	case ce.HitRate >= 0.3:
		ce.Rating = CacheRatingGood
	case ce.HitRate >= 0.1:
		ce.Rating = CacheRatingFair
	default:
		ce.Rating = CacheRatingLow
	}
	return ce
}

// Usage-pattern classes.
const (
	FrequencyHigh     = "high"
	FrequencyModerate = "moderate"
	FrequencyLow      = "low"
	FrequencyIdle     = "idle"

	EfficiencyEfficient = "efficient"
	EfficiencyModerate  = "moderate"
	EfficiencyExpensive = "expensive"

	LatencyFast     = "fast"
	LatencyModerate = "moderate"
	LatencySlow     = "slow"
)

// UsagePattern characterizes how an account or key uses the relay within
// a window.
type UsagePattern struct {
	RequestsPerDay float64 `json:"requests_per_day"`
	Frequency      string  `json:"frequency"`
	CostEfficiency string  `json:"cost_efficiency"`
	LatencyClass   string  `json:"latency_class"`
	Label          string  `json:"label"`
}

// AnalyzeUsagePattern classifies a window's totals into volume,
// cost-efficiency, and latency classes. The window duration normalizes
// volume to requests per day.
func AnalyzeUsagePattern(t Totals, window time.Duration) UsagePattern {
	p := UsagePattern{}
	days := window.Hours() / 24
	if days > 0 {
		p.RequestsPerDay = float64(t.Requests) / days
	}

	switch {
	case t.Requests == 0:
		p.Frequency = FrequencyIdle
	case p.RequestsPerDay >= 1000:
		p.Frequency = FrequencyHigh
	case p.RequestsPerDay >= 100:
		p.Frequency = FrequencyModerate
	default:
		p.Frequency = FrequencyLow
	}

	ratios := ComputeRatios(t)
	switch {
	case t.Cost == 0:
		p.CostEfficiency = EfficiencyEfficient
	case ratios.TokensPerDollar >= 200_000:
		p.CostEfficiency = EfficiencyEfficient
	case ratios.TokensPerDollar >= 50_000:
		p.CostEfficiency = EfficiencyModerate
	default:
		p.CostEfficiency = EfficiencyExpensive
	}

	switch {
	case t.AvgLatencyMs == 0 || t.AvgLatencyMs < 2000:
		p.LatencyClass = LatencyFast
	case t.AvgLatencyMs < 10_000:
		p.LatencyClass = LatencyModerate
	default:
		p.LatencyClass = LatencySlow
	}

	if p.Frequency == FrequencyIdle {
		p.Label = FrequencyIdle
	} else {
		p.Label = fmt.Sprintf("%s-volume %s", p.Frequency, p.CostEfficiency)
	}
	return p
}
