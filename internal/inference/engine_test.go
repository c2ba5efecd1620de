package inference

import (
	"context"
	"strings"
	"testing"
	"time"

	"relaymeter/internal/core"
	"relaymeter/internal/ledger"
	"relaymeter/internal/tracking"
)

type fakeBillingStore struct {
	bills             []core.AccountBill
	inferenceRecords  []tracking.PricingInferenceRecord
	validationRecords []tracking.CostValidationRecord
}

func (f *fakeBillingStore) ListBills(_ context.Context, _ string, opts tracking.ListOptions) ([]core.AccountBill, error) {
	if opts.Limit > 0 && len(f.bills) > opts.Limit {
		return f.bills[:opts.Limit], nil
	}
	return f.bills, nil
}

func (f *fakeBillingStore) GetBillForPeriod(_ context.Context, _ string, period string) (*core.AccountBill, error) {
	for _, b := range f.bills {
		if b.BillingPeriodKey() == period {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeBillingStore) InsertInferenceRecord(_ context.Context, rec *tracking.PricingInferenceRecord) error {
	f.inferenceRecords = append(f.inferenceRecords, *rec)
	return nil
}

func (f *fakeBillingStore) InsertValidationRecord(_ context.Context, rec *tracking.CostValidationRecord) error {
	f.validationRecords = append(f.validationRecords, *rec)
	return nil
}

type fakeProfileService struct {
	upserts       []core.AccountCostProfile
	verifications []string
}

func (f *fakeProfileService) UpsertProfile(_ context.Context, p *core.AccountCostProfile) (*core.AccountCostProfile, error) {
	f.upserts = append(f.upserts, *p)
	return p, nil
}

func (f *fakeProfileService) UpdateVerification(_ context.Context, _, status string, _ time.Time) error {
	f.verifications = append(f.verifications, status)
	return nil
}

type fakeUsageSource struct {
	totals map[string]ledger.PeriodTotals
}

func (f *fakeUsageSource) SumPeriod(_ context.Context, _, period string) (ledger.PeriodTotals, error) {
	return f.totals[period], nil
}

func billFor(period string, amount float64) core.AccountBill {
	start, _ := time.Parse("2006-01", period)
	return core.AccountBill{
		AccountID:          "acct-1",
		BillingPeriodStart: start,
		BillingPeriodEnd:   start.AddDate(0, 1, 0),
		TotalAmount:        amount,
		Currency:           "USD",
	}
}

func TestInferPricingInsufficientBills(t *testing.T) {
	bills := &fakeBillingStore{bills: []core.AccountBill{billFor("2025-05", 100)}}
	e := NewEngine(bills, &fakeProfileService{}, &fakeUsageSource{})

	res, err := e.InferPricing(context.Background(), "acct-1", InferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected failure with one bill")
	}
	if res.Error == nil || res.Error.Reason != core.ReasonInsufficientData {
		t.Fatalf("error = %+v", res.Error)
	}
}

func TestInferPricingAppliesGoodFit(t *testing.T) {
	perToken := 2.5e-6
	bills := &fakeBillingStore{bills: []core.AccountBill{
		billFor("2025-05", 100+50_000_000*perToken),
		billFor("2025-04", 100+35_000_000*perToken),
		billFor("2025-03", 100+20_000_000*perToken),
		billFor("2025-02", 100+10_000_000*perToken),
	}}
	usage := &fakeUsageSource{totals: map[string]ledger.PeriodTotals{
		"2025-05": {TotalTokens: 50_000_000},
		"2025-04": {TotalTokens: 35_000_000},
		"2025-03": {TotalTokens: 20_000_000},
		"2025-02": {TotalTokens: 10_000_000},
	}}
	profiles := &fakeProfileService{}
	e := NewEngine(bills, profiles, usage)

	res, err := e.InferPricing(context.Background(), "acct-1", InferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if res.ConfidenceLevel != core.ConfidenceHigh {
		t.Fatalf("confidence = %q, want high", res.ConfidenceLevel)
	}
	assertNear(t, res.InferredRates.CostPerMillion, 2.5, 1e-6)
	assertNear(t, res.InferredRates.FixedCostPerMonth, 100, 1e-4)

	if len(profiles.upserts) != 1 {
		t.Fatalf("profile upserts = %d, want 1", len(profiles.upserts))
	}
	applied := profiles.upserts[0]
	if applied.CostTrackingMode != core.TrackingManualBilling {
		t.Fatalf("tracking mode = %q", applied.CostTrackingMode)
	}
	assertNear(t, applied.DerivedRates.CostPerToken, perToken, 1e-12)

	if len(bills.inferenceRecords) != 1 {
		t.Fatal("inference history row missing")
	}
	if !bills.inferenceRecords[0].Applied {
		t.Fatal("history row should record applied=true")
	}
	// The fixed monthly cost makes the effective per-token rate fall with
	// volume, which reads as tiered billing.
	if res.BillingPattern != PatternTiered {
		t.Fatalf("billing pattern = %q, want tiered", res.BillingPattern)
	}
	if bills.inferenceRecords[0].BillingPattern != PatternTiered {
		t.Fatalf("history billing pattern = %q", bills.inferenceRecords[0].BillingPattern)
	}
}

func TestInferPricingZeroVarianceLeavesProfileUnmodified(t *testing.T) {
	bills := &fakeBillingStore{bills: []core.AccountBill{
		billFor("2025-05", 100),
		billFor("2025-04", 110),
		billFor("2025-03", 90),
	}}
	usage := &fakeUsageSource{totals: map[string]ledger.PeriodTotals{
		"2025-05": {TotalTokens: 5_000_000},
		"2025-04": {TotalTokens: 5_000_000},
		"2025-03": {TotalTokens: 5_000_000},
	}}
	profiles := &fakeProfileService{}
	e := NewEngine(bills, profiles, usage)

	res, err := e.InferPricing(context.Background(), "acct-1", InferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("degenerate input should not be an error: %+v", res)
	}
	if res.QualityScore != 0 {
		t.Fatalf("quality = %v, want 0", res.QualityScore)
	}
	if res.Applied {
		t.Fatal("degenerate fit must not be applied")
	}
	if len(profiles.upserts) != 0 {
		t.Fatal("profile was modified on degenerate input")
	}
	if len(bills.inferenceRecords) != 1 {
		t.Fatal("audit row should be written even when not applied")
	}
}

func TestInferPricingMissingAccountID(t *testing.T) {
	e := NewEngine(&fakeBillingStore{}, &fakeProfileService{}, &fakeUsageSource{})

	res, err := e.InferPricing(context.Background(), "", InferOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error.Reason != core.ReasonMissingAccountID {
		t.Fatalf("result = %+v", res)
	}
}

func TestValidateCostAccuracyClassification(t *testing.T) {
	bills := &fakeBillingStore{bills: []core.AccountBill{billFor("2025-05", 456.78)}}
	usage := &fakeUsageSource{totals: map[string]ledger.PeriodTotals{
		"2025-05": {TotalCost: 445.30},
	}}
	profiles := &fakeProfileService{}
	e := NewEngine(bills, profiles, usage)

	res, err := e.ValidateCostAccuracy(context.Background(), "acct-1", "2025-05")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	assertNear(t, res.Accuracy.DeviationPercent, 2.513, 0.01)
	if res.Accuracy.Status != StatusExcellent {
		t.Fatalf("status = %q, want excellent", res.Accuracy.Status)
	}
	if res.Accuracy.AdjustmentNeeded {
		t.Fatal("2.5% deviation should not need adjustment")
	}

	if len(bills.validationRecords) != 1 {
		t.Fatal("validation history row missing")
	}
	if len(profiles.verifications) != 1 || profiles.verifications[0] != StatusExcellent {
		t.Fatalf("verification stamps = %v", profiles.verifications)
	}
}

func TestValidateCostAccuracyNoBill(t *testing.T) {
	e := NewEngine(&fakeBillingStore{}, &fakeProfileService{}, &fakeUsageSource{})

	res, err := e.ValidateCostAccuracy(context.Background(), "acct-1", "2025-05")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error.Reason != core.ReasonNoBillData {
		t.Fatalf("result = %+v", res)
	}
}

func TestClassifyDeviationBoundaries(t *testing.T) {
	cases := []struct {
		deviation float64
		want      string
	}{
		{0, StatusExcellent},
		{4.99, StatusExcellent},
		{5, StatusGood},
		{9.99, StatusGood},
		{10, StatusAcceptable},
		{19.99, StatusAcceptable},
		{20, StatusPoor},
		{150, StatusPoor},
	}
	for _, tc := range cases {
		if got := ClassifyDeviation(tc.deviation); got != tc.want {
			t.Errorf("ClassifyDeviation(%v) = %q, want %q", tc.deviation, got, tc.want)
		}
	}
}

func TestDeviationPercentZeroBill(t *testing.T) {
	if got := DeviationPercent(0, 123); got != 0 {
		t.Fatalf("zero bill deviation = %v, want 0", got)
	}
}

func TestCompareBillsOverRange(t *testing.T) {
	bills := &fakeBillingStore{bills: []core.AccountBill{
		billFor("2025-03", 1000),
		billFor("2025-04", 10),
		billFor("2025-05", 500),
	}}
	usage := &fakeUsageSource{totals: map[string]ledger.PeriodTotals{
		"2025-03": {TotalCost: 990},
		"2025-04": {TotalCost: 5},
		"2025-05": {TotalCost: 505},
	}}
	e := NewEngine(bills, &fakeProfileService{}, usage)

	report, err := e.CompareBillsOverRange(context.Background(), "acct-1", "2025-02", "2025-05")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	// 2025-02 has no bill and is skipped.
	if len(report.Periods) != 3 {
		t.Fatalf("periods = %d, want 3", len(report.Periods))
	}

	// Average of 1%, 50%, 1% versus a sum-based overall: the tiny period's
	// wild percentage dominates the average but not the overall.
	assertNear(t, report.AverageDeviationPercent, (1.0+50.0+1.0)/3, 0.01)
	assertNear(t, report.OverallDeviationPercent, DeviationPercent(1510, 1500), 1e-9)
	if report.OverallDeviationPercent > 1 {
		t.Fatalf("overall deviation = %v, should stay below 1%%", report.OverallDeviationPercent)
	}

	if report.WorstPeriod == nil || report.WorstPeriod.BillingPeriod != "2025-04" {
		t.Fatalf("worst period = %+v", report.WorstPeriod)
	}

	// Overall deviation is excellent, but the outlier period and its
	// adjustment flag each earn a recommendation.
	if len(report.Recommendations) != 3 {
		t.Fatalf("recommendations = %v", report.Recommendations)
	}
	if !strings.Contains(report.Recommendations[0], "no action needed") {
		t.Fatalf("first recommendation = %q", report.Recommendations[0])
	}
	if !strings.Contains(report.Recommendations[1], "2025-04") {
		t.Fatalf("second recommendation = %q", report.Recommendations[1])
	}
}

func TestCompareBillsOverRangeNoBills(t *testing.T) {
	e := NewEngine(&fakeBillingStore{}, &fakeProfileService{}, &fakeUsageSource{})

	report, err := e.CompareBillsOverRange(context.Background(), "acct-1", "2025-01", "2025-03")
	if err != nil {
		t.Fatal(err)
	}
	if report.Success || report.Error.Reason != core.ReasonNoBillData {
		t.Fatalf("report = %+v", report)
	}
}
