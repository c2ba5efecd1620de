package analytics

import (
	"math"
	"testing"
	"time"

	"relaymeter/config"
)

func assertNear(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeRatios(t *testing.T) {
	r := ComputeRatios(Totals{
		Requests:     100,
		Tokens:       5_000_000,
		Cost:         25,
		SuccessCount: 95,
		ErrorCount:   5,
	})

	assertNear(t, r.TokensPerDollar, 200_000)
	assertNear(t, r.CostPerMillionTokens, 5)
	assertNear(t, r.CostPerRequest, 0.25)
	assertNear(t, r.SuccessRate, 0.95)
}

func TestComputeRatiosEmptyWindow(t *testing.T) {
	r := ComputeRatios(Totals{})
	if r != (Ratios{}) {
		t.Fatalf("empty window should yield zero ratios: %+v", r)
	}
}

func TestAnalyzeTrend(t *testing.T) {
	recent := Totals{Tokens: 1_000_000, Cost: 8, Requests: 10, SuccessCount: 10}
	historical := Totals{Tokens: 10_000_000, Cost: 40, Requests: 100, SuccessCount: 100}

	ta := AnalyzeTrend(recent, historical)
	assertNear(t, ta.RecentRatios.CostPerMillionTokens, 8)
	assertNear(t, ta.HistoricalRatios.CostPerMillionTokens, 4)
	assertNear(t, ta.CostTrendRatio, 2)
	if ta.EfficiencyImprovement {
		t.Fatal("doubling cost is not an improvement")
	}

	improving := AnalyzeTrend(historical, recent)
	assertNear(t, improving.CostTrendRatio, 0.5)
	if !improving.EfficiencyImprovement {
		t.Fatal("halved cost per million should flag improvement")
	}
}

func TestAnalyzeTrendNoHistoricalVolume(t *testing.T) {
	ta := AnalyzeTrend(Totals{Tokens: 1_000_000, Cost: 5}, Totals{})
	if ta.CostTrendRatio != 0 {
		t.Fatalf("trend ratio without history = %v, want 0", ta.CostTrendRatio)
	}
	if ta.EfficiencyImprovement {
		t.Fatal("no baseline, no improvement claim")
	}
}

func TestModelCategory(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4-1-20250805":   CategoryIntelligent,
		"gemini-2.5-pro":             CategoryIntelligent,
		"claude-sonnet-4-20250514":   CategoryBalanced,
		"gpt-5":                      CategoryBalanced,
		"claude-3-5-haiku-20241022":  CategoryEconomic,
		"gpt-5-mini":                 CategoryEconomic,
		"gemini-2.0-flash":           CategoryEconomic,
	}
	for model, want := range cases {
		if got := ModelCategory(model); got != want {
			t.Errorf("ModelCategory(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestBandForOverride(t *testing.T) {
	overrides := map[string]config.CostBand{
		"sonnet": {Min: 2, Max: 8},
	}

	band := BandFor("claude-sonnet-4-20250514", overrides)
	if band.Max != 8 {
		t.Fatalf("override not applied: %+v", band)
	}

	// No override falls back to the category default.
	band = BandFor("claude-opus-4-1-20250805", overrides)
	if band != defaultBands[CategoryIntelligent] {
		t.Fatalf("default band = %+v", band)
	}
}

func TestDetectAnomaliesCostAboveBand(t *testing.T) {
	// Balanced category band max is 10; 16 is warning territory, 25 critical.
	trend := AnalyzeTrend(Totals{Tokens: 1_000_000, Cost: 16, SuccessCount: 10}, Totals{})
	anomalies, sev := DetectAnomalies("claude-sonnet-4-20250514", trend, nil)
	if len(anomalies) != 1 || anomalies[0].Type != AnomalyCostAboveBand {
		t.Fatalf("anomalies = %+v", anomalies)
	}
	if sev != SeverityWarning {
		t.Fatalf("severity = %q, want warning", sev)
	}

	trend = AnalyzeTrend(Totals{Tokens: 1_000_000, Cost: 25, SuccessCount: 10}, Totals{})
	_, sev = DetectAnomalies("claude-sonnet-4-20250514", trend, nil)
	if sev != SeverityCritical {
		t.Fatalf("severity = %q, want critical", sev)
	}
}

func TestDetectAnomaliesRisingCost(t *testing.T) {
	recent := Totals{Tokens: 1_000_000, Cost: 6, SuccessCount: 10}
	historical := Totals{Tokens: 1_000_000, Cost: 4}

	anomalies, sev := DetectAnomalies("claude-sonnet-4-20250514", AnalyzeTrend(recent, historical), nil)
	if sev != SeverityWarning {
		t.Fatalf("severity = %q, want warning (50%% rise)", sev)
	}
	found := false
	for _, a := range anomalies {
		if a.Type == AnomalyCostRising {
			found = true
		}
	}
	if !found {
		t.Fatalf("rising-cost anomaly missing: %+v", anomalies)
	}

	recent.Cost = 8
	_, sev = DetectAnomalies("claude-sonnet-4-20250514", AnalyzeTrend(recent, historical), nil)
	if sev != SeverityCritical {
		t.Fatalf("severity = %q, want critical (100%% rise)", sev)
	}
}

func TestDetectAnomaliesSuccessRate(t *testing.T) {
	trend := AnalyzeTrend(Totals{Tokens: 1_000_000, Cost: 3, SuccessCount: 85, ErrorCount: 15}, Totals{})
	anomalies, sev := DetectAnomalies("claude-sonnet-4-20250514", trend, nil)
	if sev != SeverityWarning {
		t.Fatalf("severity = %q, want warning at 85%%", sev)
	}
	if anomalies[0].Type != AnomalyLowSuccessRate {
		t.Fatalf("anomalies = %+v", anomalies)
	}

	trend = AnalyzeTrend(Totals{Tokens: 1_000_000, Cost: 3, SuccessCount: 60, ErrorCount: 40}, Totals{})
	_, sev = DetectAnomalies("claude-sonnet-4-20250514", trend, nil)
	if sev != SeverityCritical {
		t.Fatalf("severity = %q, want critical at 60%%", sev)
	}
}

func TestDetectAnomaliesCleanWindow(t *testing.T) {
	trend := AnalyzeTrend(
		Totals{Tokens: 1_000_000, Cost: 4, SuccessCount: 100},
		Totals{Tokens: 1_000_000, Cost: 4, SuccessCount: 100},
	)
	anomalies, sev := DetectAnomalies("claude-sonnet-4-20250514", trend, nil)
	if len(anomalies) != 0 || sev != SeverityNone {
		t.Fatalf("clean window flagged: %+v, %q", anomalies, sev)
	}
}

func TestComputeCacheEfficiency(t *testing.T) {
	ce := ComputeCacheEfficiency(250_000, 50_000, 1_000_000, 3.0, 0.3)
	assertNear(t, ce.HitRate, 0.25)
	assertNear(t, ce.Utilization, 250_000.0/300_000.0)
	assertNear(t, ce.EstimatedSaved, 0.25*(3.0-0.3))
	if ce.Rating != CacheRatingFair {
		t.Fatalf("rating = %q, want fair at 25%% hit rate", ce.Rating)
	}

	hot := ComputeCacheEfficiency(600_000, 0, 1_000_000, 3.0, 0.3)
	if hot.Rating != CacheRatingExcellent {
		t.Fatalf("rating = %q, want excellent at 60%% hit rate", hot.Rating)
	}

	empty := ComputeCacheEfficiency(0, 0, 0, 3.0, 0.3)
	if empty.HitRate != 0 || empty.Utilization != 0 || empty.EstimatedSaved != 0 {
		t.Fatalf("empty window = %+v", empty)
	}
	if empty.Rating != CacheRatingLow {
		t.Fatalf("rating = %q, want low for empty window", empty.Rating)
	}
}

func TestAnalyzeUsagePattern(t *testing.T) {
	week := 7 * 24 * time.Hour

	heavy := AnalyzeUsagePattern(Totals{
		Requests:     14_000,
		Tokens:       500_000_000,
		Cost:         1000,
		AvgLatencyMs: 1500,
	}, week)
	assertNear(t, heavy.RequestsPerDay, 2000)
	if heavy.Frequency != FrequencyHigh || heavy.CostEfficiency != EfficiencyEfficient ||
		heavy.LatencyClass != LatencyFast {
		t.Fatalf("heavy pattern = %+v", heavy)
	}
	if heavy.Label != "high-volume efficient" {
		t.Fatalf("label = %q", heavy.Label)
	}

	sparse := AnalyzeUsagePattern(Totals{
		Requests:     70,
		Tokens:       100_000,
		Cost:         10,
		AvgLatencyMs: 12_000,
	}, week)
	if sparse.Frequency != FrequencyLow || sparse.CostEfficiency != EfficiencyExpensive ||
		sparse.LatencyClass != LatencySlow {
		t.Fatalf("sparse pattern = %+v", sparse)
	}

	idle := AnalyzeUsagePattern(Totals{}, week)
	if idle.Frequency != FrequencyIdle || idle.Label != FrequencyIdle {
		t.Fatalf("idle pattern = %+v", idle)
	}
}
