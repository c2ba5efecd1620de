package inference

import (
	"context"
	"fmt"
	"math"
	"time"

	"relaymeter/internal/core"
	"relaymeter/internal/tracking"
)

// Deviation classification boundaries, in percent.
const (
	deviationExcellent  = 5.0
	deviationGood       = 10.0
	deviationAcceptable = 20.0
	adjustmentThreshold = 10.0
)

// Accuracy statuses.
const (
	StatusExcellent  = "excellent"
	StatusGood       = "good"
	StatusAcceptable = "acceptable"
	StatusPoor       = "poor"
)

// Accuracy compares one period's real bill against the ledger's computed
// cost.
type Accuracy struct {
	BillingPeriod    string  `json:"billing_period"`
	BillAmount       float64 `json:"bill_amount"`
	CalculatedAmount float64 `json:"calculated_amount"`
	DeviationPercent float64 `json:"deviation_percent"`
	Status           string  `json:"status"`
	AdjustmentNeeded bool    `json:"adjustment_needed"`
}

// ValidationResult is the structured outcome of one validation run.
type ValidationResult struct {
	Success  bool              `json:"success"`
	Error    *core.ResultError `json:"error,omitempty"`
	Accuracy *Accuracy         `json:"accuracy,omitempty"`
}

// ClassifyDeviation maps a deviation percentage to its accuracy status.
func ClassifyDeviation(deviationPercent float64) string {
	switch {
	case deviationPercent < deviationExcellent:
		return StatusExcellent
	case deviationPercent < deviationGood:
		return StatusGood
	case deviationPercent < deviationAcceptable:
		return StatusAcceptable
	default:
		return StatusPoor
	}
}

// DeviationPercent computes |bill - calculated| / bill in percent. A zero
// bill has no meaningful deviation and reports zero.
func DeviationPercent(bill, calculated float64) float64 {
	if bill == 0 {
		return 0
	}
	return math.Abs(bill-calculated) / math.Abs(bill) * 100
}

// ValidateCostAccuracy compares the period's bill against the ledger's
// cost sum, appends a validation-history row, and stamps the profile's
// verification status.
func (e *Engine) ValidateCostAccuracy(ctx context.Context, accountID, billingPeriod string) (ValidationResult, error) {
	if accountID == "" {
		return ValidationResult{Success: false, Error: core.ErrMissingAccountID}, nil
	}

	bill, err := e.bills.GetBillForPeriod(ctx, accountID, billingPeriod)
	if err != nil {
		return ValidationResult{}, err
	}
	if bill == nil {
		return ValidationResult{
			Success: false,
			Error: core.NewResultError(core.ReasonNoBillData,
				"no bill found for period %s", billingPeriod),
		}, nil
	}

	totals, err := e.usage.SumPeriod(ctx, accountID, billingPeriod)
	if err != nil {
		return ValidationResult{}, err
	}

	deviation := DeviationPercent(bill.TotalAmount, totals.TotalCost)
	acc := &Accuracy{
		BillingPeriod:    billingPeriod,
		BillAmount:       bill.TotalAmount,
		CalculatedAmount: totals.TotalCost,
		DeviationPercent: deviation,
		Status:           ClassifyDeviation(deviation),
		AdjustmentNeeded: deviation > adjustmentThreshold,
	}

	rec := &tracking.CostValidationRecord{
		AccountID:        accountID,
		BillingPeriod:    billingPeriod,
		BillAmount:       acc.BillAmount,
		CalculatedAmount: acc.CalculatedAmount,
		DeviationPercent: acc.DeviationPercent,
		Status:           acc.Status,
		AdjustmentNeeded: acc.AdjustmentNeeded,
	}
	if err := e.bills.InsertValidationRecord(ctx, rec); err != nil {
		e.log.Error("failed to append validation history",
			"account_id", accountID, "error", err)
	}
	if err := e.profiles.UpdateVerification(ctx, accountID, acc.Status, time.Now().UTC()); err != nil {
		e.log.Error("failed to stamp verification status",
			"account_id", accountID, "error", err)
	}

	return ValidationResult{Success: true, Accuracy: acc}, nil
}

// ComparisonReport aggregates validation across a span of billing periods.
type ComparisonReport struct {
	Success bool              `json:"success"`
	Error   *core.ResultError `json:"error,omitempty"`

	Periods []Accuracy `json:"periods,omitempty"`

	// AverageDeviationPercent is the mean of per-period deviations.
	AverageDeviationPercent float64 `json:"average_deviation_percent"`

	// OverallDeviationPercent compares summed bills against summed
	// calculated costs, so small periods cannot distort the headline
	// figure.
	OverallDeviationPercent float64 `json:"overall_deviation_percent"`

	WorstPeriod *Accuracy `json:"worst_period,omitempty"`

	Recommendations []string `json:"recommendations,omitempty"`
}

func (r *ComparisonReport) buildRecommendations() {
	overall := ClassifyDeviation(r.OverallDeviationPercent)
	switch overall {
	case StatusExcellent, StatusGood:
		r.Recommendations = append(r.Recommendations,
			"cost tracking matches invoices; no action needed")
	case StatusAcceptable:
		r.Recommendations = append(r.Recommendations,
			"deviation is acceptable but drifting; re-run pricing inference with recent bills")
	default:
		r.Recommendations = append(r.Recommendations,
			"deviation exceeds 20%; review the account's billing configuration and re-run pricing inference")
	}

	if r.WorstPeriod != nil && r.WorstPeriod.DeviationPercent > r.AverageDeviationPercent*2 &&
		r.WorstPeriod.DeviationPercent > deviationGood {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("period %s deviates %.1f%%, far above the average; check that period's bill for one-off charges",
				r.WorstPeriod.BillingPeriod, r.WorstPeriod.DeviationPercent))
	}
	for _, p := range r.Periods {
		if p.AdjustmentNeeded {
			r.Recommendations = append(r.Recommendations,
				"at least one period needs rate adjustment; apply derived rates once inference quality clears the threshold")
			break
		}
	}
}

// CompareBillsOverRange validates every period from startPeriod through
// endPeriod (inclusive YYYY-MM keys) that has a bill, and aggregates the
// deviations. Periods without bills are skipped rather than failing the
// report.
func (e *Engine) CompareBillsOverRange(ctx context.Context, accountID, startPeriod, endPeriod string) (ComparisonReport, error) {
	if accountID == "" {
		return ComparisonReport{Success: false, Error: core.ErrMissingAccountID}, nil
	}
	periods, err := periodRange(startPeriod, endPeriod)
	if err != nil {
		return ComparisonReport{Success: false, Error: core.NewResultError(
			core.ReasonInsufficientData, "invalid period range: %v", err)}, nil
	}

	report := ComparisonReport{Success: true}
	var billSum, calcSum, deviationSum float64

	for _, period := range periods {
		bill, err := e.bills.GetBillForPeriod(ctx, accountID, period)
		if err != nil {
			return ComparisonReport{}, err
		}
		if bill == nil {
			continue
		}
		totals, err := e.usage.SumPeriod(ctx, accountID, period)
		if err != nil {
			return ComparisonReport{}, err
		}

		deviation := DeviationPercent(bill.TotalAmount, totals.TotalCost)
		acc := Accuracy{
			BillingPeriod:    period,
			BillAmount:       bill.TotalAmount,
			CalculatedAmount: totals.TotalCost,
			DeviationPercent: deviation,
			Status:           ClassifyDeviation(deviation),
			AdjustmentNeeded: deviation > adjustmentThreshold,
		}
		report.Periods = append(report.Periods, acc)

		billSum += bill.TotalAmount
		calcSum += totals.TotalCost
		deviationSum += deviation
		if report.WorstPeriod == nil || deviation > report.WorstPeriod.DeviationPercent {
			worst := acc
			report.WorstPeriod = &worst
		}
	}

	if len(report.Periods) == 0 {
		return ComparisonReport{
			Success: false,
			Error: core.NewResultError(core.ReasonNoBillData,
				"no bills between %s and %s", startPeriod, endPeriod),
		}, nil
	}

	report.AverageDeviationPercent = deviationSum / float64(len(report.Periods))
	report.OverallDeviationPercent = DeviationPercent(billSum, calcSum)
	report.buildRecommendations()
	return report, nil
}

// periodRange expands [start, end] YYYY-MM keys into successive months.
func periodRange(start, end string) ([]string, error) {
	from, err := time.Parse("2006-01", start)
	if err != nil {
		return nil, err
	}
	to, err := time.Parse("2006-01", end)
	if err != nil {
		return nil, err
	}

	var periods []string
	for cur := from; !cur.After(to); cur = cur.AddDate(0, 1, 0) {
		periods = append(periods, cur.Format("2006-01"))
	}
	return periods, nil
}
