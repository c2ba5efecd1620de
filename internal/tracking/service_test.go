package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaymeter/internal/core"
)

// fakeStore is an in-memory Store that counts reads so cache behavior is
// observable.
type fakeStore struct {
	profiles map[string]*core.AccountCostProfile
	bills    map[string][]core.AccountBill
	getCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]*core.AccountCostProfile),
		bills:    make(map[string][]core.AccountBill),
	}
}

func (f *fakeStore) GetProfile(_ context.Context, accountID string) (*core.AccountCostProfile, error) {
	f.getCalls++
	p, ok := f.profiles[accountID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) UpsertProfile(_ context.Context, p *core.AccountCostProfile) (*core.AccountCostProfile, error) {
	cp := *p
	cp.UpdatedAt = time.Now()
	f.profiles[p.AccountID] = &cp
	return &cp, nil
}

func (f *fakeStore) UpdateVerification(_ context.Context, accountID, status string, verifiedAt time.Time) error {
	if p, ok := f.profiles[accountID]; ok {
		p.VerificationStatus = status
		p.LastVerifiedAt = &verifiedAt
	}
	return nil
}

func (f *fakeStore) ListBills(_ context.Context, accountID string, _ ListOptions) ([]core.AccountBill, error) {
	return f.bills[accountID], nil
}

func (f *fakeStore) CreateBill(_ context.Context, bill *core.AccountBill) (*core.AccountBill, error) {
	f.bills[bill.AccountID] = append(f.bills[bill.AccountID], *bill)
	return bill, nil
}

func (f *fakeStore) GetBillForPeriod(_ context.Context, accountID, period string) (*core.AccountBill, error) {
	for _, b := range f.bills[accountID] {
		if b.BillingPeriodKey() == period {
			return &b, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertInferenceRecord(context.Context, *PricingInferenceRecord) error { return nil }
func (f *fakeStore) InsertValidationRecord(context.Context, *CostValidationRecord) error { return nil }
func (f *fakeStore) ListInferenceHistory(context.Context, string, ListOptions) ([]PricingInferenceRecord, error) {
	return nil, nil
}
func (f *fakeStore) ListValidationHistory(context.Context, string, ListOptions) ([]CostValidationRecord, error) {
	return nil, nil
}
func (f *fakeStore) InsertBalanceSnapshot(context.Context, *BalanceSnapshot) error { return nil }
func (f *fakeStore) ListBalanceSnapshots(context.Context, string, ListOptions) ([]BalanceSnapshot, error) {
	return nil, nil
}

func TestGetProfileReadThroughCache(t *testing.T) {
	store := newFakeStore()
	store.profiles["acct-1"] = &core.AccountCostProfile{AccountID: "acct-1", BillingType: core.BillingTiered}
	svc := NewService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := svc.GetProfile(ctx, "acct-1")
		if err != nil {
			t.Fatal(err)
		}
		if p == nil || p.BillingType != core.BillingTiered {
			t.Fatalf("unexpected profile: %+v", p)
		}
	}
	if store.getCalls != 1 {
		t.Fatalf("store read %d times, want 1 (cache miss only)", store.getCalls)
	}
}

func TestGetProfileMissingAccount(t *testing.T) {
	svc := NewService(newFakeStore())

	if _, err := svc.GetProfile(context.Background(), ""); !errors.Is(err, core.ErrMissingAccountID) {
		t.Fatalf("expected ErrMissingAccountID, got %v", err)
	}

	p, err := svc.GetProfile(context.Background(), "nobody")
	if err != nil || p != nil {
		t.Fatalf("unknown account should return nil profile, got %+v, %v", p, err)
	}
}

func TestUpsertProfileInvalidatesCache(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	if _, err := svc.UpsertProfile(ctx, &core.AccountCostProfile{
		AccountID:   "acct-1",
		BillingType: core.BillingTiered,
	}); err != nil {
		t.Fatal(err)
	}

	p, err := svc.GetProfile(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.BillingType != core.BillingTiered {
		t.Fatalf("billing type = %q after write", p.BillingType)
	}

	// The write must update the cached copy, not leave the old one.
	if _, err := svc.UpsertProfile(ctx, &core.AccountCostProfile{
		AccountID:   "acct-1",
		BillingType: core.BillingHybrid,
	}); err != nil {
		t.Fatal(err)
	}
	p, _ = svc.GetProfile(ctx, "acct-1")
	if p.BillingType != core.BillingHybrid {
		t.Fatalf("read-after-write got stale billing type %q", p.BillingType)
	}
}

func TestUpsertProfileRequiresAccountID(t *testing.T) {
	svc := NewService(newFakeStore())

	_, err := svc.UpsertProfile(context.Background(), &core.AccountCostProfile{})
	if !errors.Is(err, core.ErrMissingAccountID) {
		t.Fatalf("expected ErrMissingAccountID, got %v", err)
	}
}

func TestMergeProfilesPartialUpdate(t *testing.T) {
	existing := &core.AccountCostProfile{
		AccountID:       "acct-1",
		BillingType:     core.BillingTiered,
		TieredPricing:   []core.PricingTier{{MinTokens: 0, CostPerMillion: 3}},
		ConfidenceLevel: core.ConfidenceHigh,
		Metadata:        map[string]any{"source": "manual", "region": "us"},
	}

	merged := MergeProfiles(existing, &core.AccountCostProfile{
		AccountID: "acct-1",
		Metadata:  map[string]any{"region": "eu", "tier": "pro"},
	})

	// Unspecified fields survive.
	if merged.BillingType != core.BillingTiered {
		t.Fatalf("billing type lost: %q", merged.BillingType)
	}
	if len(merged.TieredPricing) != 1 {
		t.Fatal("tier list lost on partial update")
	}
	if merged.ConfidenceLevel != core.ConfidenceHigh {
		t.Fatal("confidence lost on partial update")
	}

	// Metadata merges shallowly.
	if merged.Metadata["source"] != "manual" {
		t.Fatal("existing metadata key dropped")
	}
	if merged.Metadata["region"] != "eu" {
		t.Fatal("incoming metadata key did not replace existing")
	}
	if merged.Metadata["tier"] != "pro" {
		t.Fatal("new metadata key missing")
	}
}

func TestMergeProfilesListReplacedWholesale(t *testing.T) {
	existing := &core.AccountCostProfile{
		AccountID: "acct-1",
		TieredPricing: []core.PricingTier{
			{MinTokens: 0, CostPerMillion: 3},
			{MinTokens: 1_000_000, CostPerMillion: 2.5},
		},
	}

	merged := MergeProfiles(existing, &core.AccountCostProfile{
		AccountID:     "acct-1",
		TieredPricing: []core.PricingTier{{MinTokens: 0, CostPerMillion: 9}},
	})
	if len(merged.TieredPricing) != 1 || merged.TieredPricing[0].CostPerMillion != 9 {
		t.Fatalf("tier list not replaced: %+v", merged.TieredPricing)
	}
}

func TestMergeProfilesNilExistingNormalizesDefaults(t *testing.T) {
	merged := MergeProfiles(nil, &core.AccountCostProfile{AccountID: "acct-1"})
	if merged.BillingType != core.BillingStandard {
		t.Fatalf("billing type = %q, want standard", merged.BillingType)
	}
	if merged.CostTrackingMode != core.TrackingStandard {
		t.Fatalf("tracking mode = %q, want standard", merged.CostTrackingMode)
	}
}

func TestUpdateVerificationInvalidatesCache(t *testing.T) {
	store := newFakeStore()
	store.profiles["acct-1"] = &core.AccountCostProfile{AccountID: "acct-1"}
	svc := NewService(store)
	ctx := context.Background()

	if _, err := svc.GetProfile(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := svc.UpdateVerification(ctx, "acct-1", "verified", now); err != nil {
		t.Fatal(err)
	}

	p, err := svc.GetProfile(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.VerificationStatus != "verified" {
		t.Fatalf("stale cache after verification update: %+v", p)
	}
}
