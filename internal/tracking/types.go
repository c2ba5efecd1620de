// Package tracking stores billing configuration and its audit trail:
// account cost profiles, real invoices, and the append-only inference and
// validation history.
package tracking

import (
	"context"
	"time"

	"relaymeter/internal/core"
)

// PricingInferenceRecord is one immutable audit row for an inference run,
// written whether or not the derived rates were applied.
type PricingInferenceRecord struct {
	ID                string               `json:"id"`
	AccountID         string               `json:"account_id"`
	BillsUsed         int                  `json:"bills_used"`
	CostPerToken      float64              `json:"cost_per_token"`
	CostPerMillion    float64              `json:"cost_per_million"`
	FixedCostPerMonth float64              `json:"fixed_cost_per_month"`
	QualityScore      float64              `json:"quality_score"`
	RSquared          float64              `json:"r_squared"`
	BillingPattern    string               `json:"billing_pattern"`
	Applied           bool                 `json:"applied"`
	ConfidenceLevel   core.ConfidenceLevel `json:"confidence_level"`
	CreatedAt         time.Time            `json:"created_at"`
}

// CostValidationRecord is one immutable audit row comparing a period's
// computed cost against its real invoice.
type CostValidationRecord struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	BillingPeriod    string    `json:"billing_period"`
	BillAmount       float64   `json:"bill_amount"`
	CalculatedAmount float64   `json:"calculated_amount"`
	DeviationPercent float64   `json:"deviation_percent"`
	Status           string    `json:"status"`
	AdjustmentNeeded bool      `json:"adjustment_needed"`
	CreatedAt        time.Time `json:"created_at"`
}

// BalanceSnapshot captures an upstream account balance reading at a point
// in time, for spend-down trend display.
type BalanceSnapshot struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Balance    float64   `json:"balance"`
	Currency   string    `json:"currency"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ListOptions pages bill and history listings.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) limitOrDefault() int {
	if o.Limit <= 0 {
		return 50
	}
	return o.Limit
}

// Store is the durable home of billing configuration and audit history.
type Store interface {
	GetProfile(ctx context.Context, accountID string) (*core.AccountCostProfile, error)
	UpsertProfile(ctx context.Context, profile *core.AccountCostProfile) (*core.AccountCostProfile, error)
	UpdateVerification(ctx context.Context, accountID, status string, verifiedAt time.Time) error

	ListBills(ctx context.Context, accountID string, opts ListOptions) ([]core.AccountBill, error)
	CreateBill(ctx context.Context, bill *core.AccountBill) (*core.AccountBill, error)
	GetBillForPeriod(ctx context.Context, accountID, billingPeriod string) (*core.AccountBill, error)

	InsertInferenceRecord(ctx context.Context, rec *PricingInferenceRecord) error
	InsertValidationRecord(ctx context.Context, rec *CostValidationRecord) error
	ListInferenceHistory(ctx context.Context, accountID string, opts ListOptions) ([]PricingInferenceRecord, error)
	ListValidationHistory(ctx context.Context, accountID string, opts ListOptions) ([]CostValidationRecord, error)

	InsertBalanceSnapshot(ctx context.Context, snap *BalanceSnapshot) error
	ListBalanceSnapshots(ctx context.Context, accountID string, opts ListOptions) ([]BalanceSnapshot, error)
}
