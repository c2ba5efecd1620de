// Package core provides shared value types for the usage metering and
// cost accounting pipeline.
package core

import "time"

// Usage is the finalized token-usage vector for one upstream request.
// Counts are normalized across providers; the ephemeral fields carry the
// cache-creation sub-breakdown when the provider reports one.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CacheCreateTokens int `json:"cache_create_tokens"`
	CacheReadTokens   int `json:"cache_read_tokens"`
	Ephemeral5mTokens int `json:"ephemeral_5m_tokens,omitempty"`
	Ephemeral1hTokens int `json:"ephemeral_1h_tokens,omitempty"`

	// Requests is the number of upstream calls this vector covers.
	// Zero is treated as one by all calculators.
	Requests int `json:"requests,omitempty"`
}

// TotalTokens returns the sum of all token kinds, clamping negatives to zero.
func (u Usage) TotalTokens() int {
	return clampNonNegative(u.InputTokens) +
		clampNonNegative(u.OutputTokens) +
		clampNonNegative(u.CacheCreateTokens) +
		clampNonNegative(u.CacheReadTokens)
}

// InputSideTokens returns the token count that occupies the model's context
// window: input plus cache create plus cache read.
func (u Usage) InputSideTokens() int {
	return clampNonNegative(u.InputTokens) +
		clampNonNegative(u.CacheCreateTokens) +
		clampNonNegative(u.CacheReadTokens)
}

// RequestCount returns the request count, defaulting to one.
func (u Usage) RequestCount() int {
	if u.Requests <= 0 {
		return 1
	}
	return u.Requests
}

// HasCacheDetail reports whether the vector carries the ephemeral
// cache-creation sub-breakdown.
func (u Usage) HasCacheDetail() bool {
	return u.Ephemeral5mTokens > 0 || u.Ephemeral1hTokens > 0
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// RequestStatus marks whether the upstream request succeeded.
type RequestStatus string

const (
	StatusSuccess RequestStatus = "success"
	StatusError   RequestStatus = "error"
)

// CostSource tags the provenance of an actual-cost figure.
type CostSource string

const (
	CostSourceCalculated CostSource = "calculated"
	CostSourceManual     CostSource = "manual"
	CostSourceEstimated  CostSource = "estimated"
)

// BillingType selects which billing strategy applies to an account.
type BillingType string

const (
	BillingStandard   BillingType = "standard"
	BillingTiered     BillingType = "tiered"
	BillingPointBased BillingType = "point_based"
	BillingHybrid     BillingType = "hybrid"
	BillingManual     BillingType = "manual"
)

// TrackingMode describes how an account's cost figures should be derived.
type TrackingMode string

const (
	TrackingStandard      TrackingMode = "standard"
	TrackingManualBilling TrackingMode = "manual_billing"
	TrackingEstimated     TrackingMode = "estimated"
)

// ConfidenceLevel is a qualitative trust rating for derived pricing data.
type ConfidenceLevel string

const (
	ConfidenceLow        ConfidenceLevel = "low"
	ConfidenceMedium     ConfidenceLevel = "medium"
	ConfidenceMediumHigh ConfidenceLevel = "medium-high"
	ConfidenceHigh       ConfidenceLevel = "high"
)

// BillingPeriod formats t as the YYYY-MM bucket used to align usage sums
// with monthly invoices. Always UTC.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CurrentBillingPeriod returns the billing period for the current instant.
func CurrentBillingPeriod() string {
	return BillingPeriod(time.Now())
}
