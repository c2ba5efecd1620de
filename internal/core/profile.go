package core

import "time"

// PricingTier is one rung of a tiered rate card. Tiers are ordered
// ascending and non-overlapping; a nil MaxTokens means the tier absorbs
// everything above MinTokens.
type PricingTier struct {
	MinTokens      int64    `json:"min_tokens"`
	MaxTokens      *int64   `json:"max_tokens,omitempty"`
	CostPerMillion float64  `json:"cost_per_million"`
}

// PointConversion expresses point-denominated billing: requests and tokens
// earn points, points convert to currency.
type PointConversion struct {
	PointsPerRequest float64 `json:"points_per_request"`
	PointsPerToken   float64 `json:"points_per_token"`
	CostPerPoint     float64 `json:"cost_per_point"`
}

// ComponentType selects the unit a hybrid formula component is rated in.
type ComponentType string

const (
	ComponentPerRequest      ComponentType = "per_request"
	ComponentPerToken        ComponentType = "per_token"
	ComponentPerMillionToken ComponentType = "per_million_tokens"
)

// FormulaComponent is one weighted term of a hybrid billing formula.
// Weights are caller intent and need not sum to one.
type FormulaComponent struct {
	Type   ComponentType `json:"type"`
	Rate   float64       `json:"rate"`
	Weight float64       `json:"weight"`
}

// FixedCosts carries recurring charges amortized over an estimated monthly
// request volume.
type FixedCosts struct {
	Monthly                  float64 `json:"monthly"`
	EstimatedMonthlyRequests float64 `json:"estimated_monthly_requests,omitempty"`
}

// DerivedRates holds per-unit prices learned from invoices rather than
// published rate cards. At application time the first non-zero field wins,
// in declaration order.
type DerivedRates struct {
	CostPerToken    float64          `json:"cost_per_token,omitempty"`
	CostPerMillion  float64          `json:"cost_per_million,omitempty"`
	CostPerRequest  float64          `json:"cost_per_request,omitempty"`
	PointConversion *PointConversion `json:"point_conversion,omitempty"`
	FixedCostPerMonth float64        `json:"fixed_cost_per_month,omitempty"`
}

// AccountCostProfile is the per-account billing configuration. One profile
// per account; at most one billing strategy is active, selected by
// BillingType. Profiles are upserted, never hard-deleted.
type AccountCostProfile struct {
	AccountID        string       `json:"account_id"`
	BillingType      BillingType  `json:"billing_type"`
	CostTrackingMode TrackingMode `json:"cost_tracking_mode"`

	DerivedRates    *DerivedRates      `json:"derived_rates,omitempty"`
	TieredPricing   []PricingTier      `json:"tiered_pricing,omitempty"`
	PointConversion *PointConversion   `json:"point_conversion,omitempty"`
	PricingFormula  []FormulaComponent `json:"pricing_formula,omitempty"`
	FixedCosts      *FixedCosts        `json:"fixed_costs,omitempty"`

	// RelativeEfficiency scales standard cost for accounts in estimated
	// tracking mode. Zero means unset and is treated as 1.
	RelativeEfficiency float64 `json:"relative_efficiency,omitempty"`

	ConfidenceLevel    ConfidenceLevel `json:"confidence_level,omitempty"`
	VerificationStatus string          `json:"verification_status,omitempty"`
	LastVerifiedAt     *time.Time      `json:"last_verified_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// AccountBill is one real invoice period, append-only ground truth for
// inference and validation.
type AccountBill struct {
	ID                 string          `json:"id"`
	AccountID          string          `json:"account_id"`
	BillingPeriodStart time.Time       `json:"billing_period_start"`
	BillingPeriodEnd   time.Time       `json:"billing_period_end"`
	TotalAmount        float64         `json:"total_amount"`
	Currency           string          `json:"currency"`
	TotalUnits         float64         `json:"total_units,omitempty"`
	UnitName           string          `json:"unit_name,omitempty"`
	ConfidenceLevel    ConfidenceLevel `json:"confidence_level,omitempty"`
	DataSource         string          `json:"data_source,omitempty"`
	CreatedAt          time.Time       `json:"created_at,omitempty"`
}

// BillingPeriodKey returns the YYYY-MM bucket the bill's start date
// falls in.
func (b AccountBill) BillingPeriodKey() string {
	return BillingPeriod(b.BillingPeriodStart)
}
