package inference

import (
	"context"
	"log/slog"
	"time"

	"relaymeter/internal/core"
	"relaymeter/internal/ledger"
	"relaymeter/internal/tracking"
)

// Default bill-window bounds for an inference run.
const (
	DefaultMinBills = 3
	DefaultMaxBills = 12
)

// Quality thresholds governing whether and how confidently derived rates
// are applied.
const (
	applyThreshold          = 0.7
	highConfidenceThreshold = 0.9
)

// BillingStore is the invoice and audit-history surface the engine uses.
type BillingStore interface {
	ListBills(ctx context.Context, accountID string, opts tracking.ListOptions) ([]core.AccountBill, error)
	GetBillForPeriod(ctx context.Context, accountID, billingPeriod string) (*core.AccountBill, error)
	InsertInferenceRecord(ctx context.Context, rec *tracking.PricingInferenceRecord) error
	InsertValidationRecord(ctx context.Context, rec *tracking.CostValidationRecord) error
}

// ProfileService mutates billing profiles with merge semantics.
type ProfileService interface {
	UpsertProfile(ctx context.Context, profile *core.AccountCostProfile) (*core.AccountCostProfile, error)
	UpdateVerification(ctx context.Context, accountID, status string, verifiedAt time.Time) error
}

// UsageSource aggregates the ledger by billing period.
type UsageSource interface {
	SumPeriod(ctx context.Context, accountID, billingPeriod string) (ledger.PeriodTotals, error)
}

// Engine runs pricing inference and cost validation.
type Engine struct {
	bills    BillingStore
	profiles ProfileService
	usage    UsageSource
	log      *slog.Logger
}

// NewEngine returns an Engine over the given stores.
func NewEngine(bills BillingStore, profiles ProfileService, usage UsageSource) *Engine {
	return &Engine{
		bills:    bills,
		profiles: profiles,
		usage:    usage,
		log:      slog.Default().With("component", "inference"),
	}
}

// InferOptions bounds how many historical bills an inference run considers.
type InferOptions struct {
	MinBills int
	MaxBills int
}

func (o InferOptions) normalized() InferOptions {
	if o.MinBills <= 0 {
		o.MinBills = DefaultMinBills
	}
	if o.MaxBills <= 0 {
		o.MaxBills = DefaultMaxBills
	}
	return o
}

// InferenceResult is the structured outcome of one inference run. Data
// problems surface as Success=false with a reason, never as an error.
type InferenceResult struct {
	Success bool              `json:"success"`
	Error   *core.ResultError `json:"error,omitempty"`

	BillsUsed       int                  `json:"bills_used,omitempty"`
	InferredRates   *core.DerivedRates   `json:"inferred_rates,omitempty"`
	QualityScore    float64              `json:"quality_score"`
	RSquared        float64              `json:"r_squared"`
	BillingPattern  string               `json:"billing_pattern,omitempty"`
	Applied         bool                 `json:"applied"`
	ConfidenceLevel core.ConfidenceLevel `json:"confidence_level,omitempty"`
}

// InferPricing fits invoiced amounts against ledger token totals to derive
// a per-token rate and fixed monthly cost. Rates are applied to the
// profile only when the fit quality clears the threshold; the audit row is
// written either way.
func (e *Engine) InferPricing(ctx context.Context, accountID string, opts InferOptions) (InferenceResult, error) {
	if accountID == "" {
		return InferenceResult{Success: false, Error: core.ErrMissingAccountID}, nil
	}
	opts = opts.normalized()

	bills, err := e.bills.ListBills(ctx, accountID, tracking.ListOptions{Limit: opts.MaxBills})
	if err != nil {
		return InferenceResult{}, err
	}
	if len(bills) < opts.MinBills {
		return InferenceResult{
			Success: false,
			Error: core.NewResultError(core.ReasonInsufficientData,
				"need at least %d bills, have %d", opts.MinBills, len(bills)),
		}, nil
	}

	samples := make([]Sample, 0, len(bills))
	for _, bill := range bills {
		totals, err := e.usage.SumPeriod(ctx, accountID, bill.BillingPeriodKey())
		if err != nil {
			return InferenceResult{}, err
		}
		samples = append(samples, Sample{
			Tokens: float64(totals.TotalTokens),
			Amount: bill.TotalAmount,
		})
	}

	fit := FitOLS(samples)
	pattern := ClassifyBillingPattern(samples)
	if fit.Degenerate {
		// No token variance to regress against. Report zero quality and
		// leave the profile untouched.
		e.appendInferenceRecord(ctx, accountID, len(bills), fit, pattern, false, core.ConfidenceLow)
		return InferenceResult{
			Success:         true,
			BillsUsed:       len(bills),
			QualityScore:    0,
			RSquared:        0,
			BillingPattern:  pattern,
			Applied:         false,
			ConfidenceLevel: core.ConfidenceLow,
		}, nil
	}

	confidence := core.ConfidenceLow
	switch {
	case fit.Quality > highConfidenceThreshold:
		confidence = core.ConfidenceHigh
	case fit.Quality > applyThreshold:
		confidence = core.ConfidenceMedium
	}

	rates := &core.DerivedRates{
		CostPerToken:      fit.Slope,
		CostPerMillion:    fit.Slope * 1_000_000,
		FixedCostPerMonth: fit.Intercept,
	}

	applied := fit.Quality > applyThreshold
	if applied {
		_, err := e.profiles.UpsertProfile(ctx, &core.AccountCostProfile{
			AccountID:        accountID,
			CostTrackingMode: core.TrackingManualBilling,
			DerivedRates:     rates,
			ConfidenceLevel:  confidence,
		})
		if err != nil {
			return InferenceResult{}, err
		}
		e.log.Info("derived rates applied",
			"account_id", accountID,
			"cost_per_million", rates.CostPerMillion,
			"quality", fit.Quality)
	}

	e.appendInferenceRecord(ctx, accountID, len(bills), fit, pattern, applied, confidence)

	return InferenceResult{
		Success:         true,
		BillsUsed:       len(bills),
		InferredRates:   rates,
		QualityScore:    fit.Quality,
		RSquared:        fit.RSquared,
		BillingPattern:  pattern,
		Applied:         applied,
		ConfidenceLevel: confidence,
	}, nil
}

func (e *Engine) appendInferenceRecord(ctx context.Context, accountID string, bills int, fit Fit, pattern string, applied bool, confidence core.ConfidenceLevel) {
	rec := &tracking.PricingInferenceRecord{
		AccountID:         accountID,
		BillsUsed:         bills,
		CostPerToken:      fit.Slope,
		CostPerMillion:    fit.Slope * 1_000_000,
		FixedCostPerMonth: fit.Intercept,
		QualityScore:      fit.Quality,
		RSquared:          fit.RSquared,
		BillingPattern:    pattern,
		Applied:           applied,
		ConfidenceLevel:   confidence,
	}
	if fit.Degenerate {
		rec.CostPerToken = 0
		rec.CostPerMillion = 0
		rec.FixedCostPerMonth = 0
	}
	if err := e.bills.InsertInferenceRecord(ctx, rec); err != nil {
		e.log.Error("failed to append inference history", "account_id", accountID, "error", err)
	}
}
