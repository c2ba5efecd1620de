package cost

import (
	"math"
	"testing"

	"relaymeter/internal/core"
	"relaymeter/internal/pricing"
)

func assertCostNear(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	return NewCalculator(pricing.NewResolver(nil))
}

func TestCalculateFourBucketPath(t *testing.T) {
	c := newTestCalculator(t)

	b := c.Calculate("claude-3-5-sonnet-20241022", core.Usage{
		InputTokens:       1000,
		OutputTokens:      500,
		CacheCreateTokens: 2000,
		CacheReadTokens:   10000,
	})

	assertCostNear(t, b.InputCost, 0.003)
	assertCostNear(t, b.OutputCost, 0.0075)
	assertCostNear(t, b.CacheWriteCost, 0.0075)
	assertCostNear(t, b.CacheReadCost, 0.003)
	assertCostNear(t, b.Total, 0.021)
}

func TestCalculateAggregated(t *testing.T) {
	c := newTestCalculator(t)
	usages := []core.Usage{
		{InputTokens: 1000, OutputTokens: 500},
		{InputTokens: 2000, CacheReadTokens: 10000},
	}

	b := c.CalculateAggregated("claude-3-5-sonnet-20241022", usages)
	assertCostNear(t, b.InputCost, 0.009)
	assertCostNear(t, b.OutputCost, 0.0075)
	assertCostNear(t, b.CacheReadCost, 0.003)
	assertCostNear(t, b.Total, 0.0195)

	empty := c.CalculateAggregated("claude-3-5-sonnet-20241022", nil)
	assertCostNear(t, empty.Total, 0)
}

func TestCalculateZeroUsage(t *testing.T) {
	c := newTestCalculator(t)

	b := c.Calculate("claude-3-5-sonnet-20241022", core.Usage{})
	assertCostNear(t, b.Total, 0)
}

func TestCalculateNegativeTokensTreatedAsZero(t *testing.T) {
	c := newTestCalculator(t)

	b := c.Calculate("claude-3-5-sonnet-20241022", core.Usage{
		InputTokens:  -500,
		OutputTokens: 1000,
	})
	assertCostNear(t, b.InputCost, 0)
	assertCostNear(t, b.OutputCost, 0.015)
}

func TestCalculateIsPure(t *testing.T) {
	c := newTestCalculator(t)
	u := core.Usage{InputTokens: 1234, OutputTokens: 5678, CacheReadTokens: 999}

	first := c.Calculate("claude-opus-4-1-20250805", u)
	second := c.Calculate("claude-opus-4-1-20250805", u)
	if first != second {
		t.Fatalf("identical inputs produced different breakdowns: %+v vs %+v", first, second)
	}
}

func TestCalculateEphemeralCacheTiers(t *testing.T) {
	c := newTestCalculator(t)

	// 5m tokens bill at 1.25x input, 1h tokens at 2x input.
	b := c.Calculate("claude-3-5-sonnet-20241022", core.Usage{
		CacheCreateTokens: 3_000_000,
		Ephemeral5mTokens: 1_000_000,
		Ephemeral1hTokens: 2_000_000,
	})
	assertCostNear(t, b.CacheWriteCost, 1*3.0*1.25+2*3.0*2.0)
}

func TestCalculateLongContextThreshold(t *testing.T) {
	c := newTestCalculator(t)

	below := c.Calculate("claude-sonnet-4-20250514[1m]", core.Usage{InputTokens: 150_000})
	if below.LongContext {
		t.Fatal("premium rates applied below the threshold")
	}
	assertCostNear(t, below.InputCost, 0.15*3.0)

	above := c.Calculate("claude-sonnet-4-20250514[1m]", core.Usage{InputTokens: 250_000})
	if !above.LongContext {
		t.Fatal("premium rates not applied above the threshold")
	}
	assertCostNear(t, above.InputCost, 0.25*6.0)
}

func TestCalculateLongContextCountsAllInputSideTokens(t *testing.T) {
	c := newTestCalculator(t)

	// Input alone is under the threshold; cache tokens push it over.
	b := c.Calculate("claude-sonnet-4-20250514[1m]", core.Usage{
		InputTokens:     50_000,
		CacheReadTokens: 180_000,
	})
	if !b.LongContext {
		t.Fatal("cache tokens must count toward the long-context threshold")
	}
}

func TestCalculateUntaggedModelNeverLongContext(t *testing.T) {
	c := newTestCalculator(t)

	b := c.Calculate("claude-sonnet-4-20250514", core.Usage{InputTokens: 500_000})
	if b.LongContext {
		t.Fatal("untagged model must not get premium rates")
	}
	assertCostNear(t, b.InputCost, 0.5*3.0)
}

func TestCacheSavings(t *testing.T) {
	c := newTestCalculator(t)

	// 1M cache reads at $0.30 instead of $3.00 input saves $2.70.
	saved := c.CacheSavings("claude-3-5-sonnet-20241022", core.Usage{CacheReadTokens: 1_000_000})
	assertCostNear(t, saved, 2.70)

	if got := c.CacheSavings("claude-3-5-sonnet-20241022", core.Usage{}); got != 0 {
		t.Fatalf("no cache reads should save nothing, got %v", got)
	}
}

func TestFormatCost(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{12.3456, "$12.35"},
		{1.0, "$1.00"},
		{0.0456, "$0.0456"},
		{0.001, "$0.0010"},
		{0.000042, "$0.000042"},
		{0, "$0.000000"},
	}
	for _, tc := range cases {
		if got := FormatCost(tc.in); got != tc.want {
			t.Errorf("FormatCost(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
