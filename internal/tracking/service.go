package tracking

import (
	"context"
	"sync"
	"time"

	"relaymeter/internal/core"
)

// Service fronts the Store with a read-through profile cache and enforces
// the merge semantics of partial profile updates.
//
// The cache has no TTL. Billing decisions depend on the profile, so every
// mutation invalidates synchronously; readers see either the old or the
// new profile, never a stale one after the write returns.
type Service struct {
	store Store

	mu    sync.RWMutex
	cache map[string]*core.AccountCostProfile
}

// NewService returns a Service over the given store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		cache: make(map[string]*core.AccountCostProfile),
	}
}

// GetProfile returns the account's profile, or nil if none exists. Cache
// hits never touch the store.
func (s *Service) GetProfile(ctx context.Context, accountID string) (*core.AccountCostProfile, error) {
	if accountID == "" {
		return nil, core.ErrMissingAccountID
	}

	s.mu.RLock()
	cached, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	profile, err := s.store.GetProfile(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		s.mu.Lock()
		s.cache[accountID] = profile
		s.mu.Unlock()
	}
	return profile, nil
}

// UpsertProfile merges the incoming partial profile over the stored one and
// persists the result. Scalars follow last-non-empty-wins, strategy
// documents are replaced only when provided, and metadata keys merge
// shallowly.
func (s *Service) UpsertProfile(ctx context.Context, incoming *core.AccountCostProfile) (*core.AccountCostProfile, error) {
	if incoming == nil || incoming.AccountID == "" {
		return nil, core.ErrMissingAccountID
	}

	existing, err := s.store.GetProfile(ctx, incoming.AccountID)
	if err != nil {
		return nil, err
	}

	merged := MergeProfiles(existing, incoming)
	saved, err := s.store.UpsertProfile(ctx, merged)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[saved.AccountID] = saved
	s.mu.Unlock()
	return saved, nil
}

// UpdateVerification stamps a validation outcome on the profile and
// invalidates the cached copy.
func (s *Service) UpdateVerification(ctx context.Context, accountID, status string, verifiedAt time.Time) error {
	if accountID == "" {
		return core.ErrMissingAccountID
	}
	if err := s.store.UpdateVerification(ctx, accountID, status, verifiedAt); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
	return nil
}

// ListBills returns the account's bills newest-first.
func (s *Service) ListBills(ctx context.Context, accountID string, opts ListOptions) ([]core.AccountBill, error) {
	if accountID == "" {
		return nil, core.ErrMissingAccountID
	}
	return s.store.ListBills(ctx, accountID, opts)
}

// CreateBill appends one invoice row.
func (s *Service) CreateBill(ctx context.Context, bill *core.AccountBill) (*core.AccountBill, error) {
	if bill == nil || bill.AccountID == "" {
		return nil, core.ErrMissingAccountID
	}
	return s.store.CreateBill(ctx, bill)
}

// RecordBalanceSnapshot appends one upstream balance reading.
func (s *Service) RecordBalanceSnapshot(ctx context.Context, snap *BalanceSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return core.ErrMissingAccountID
	}
	return s.store.InsertBalanceSnapshot(ctx, snap)
}

// MergeProfiles applies a partial update over an existing profile. A nil
// existing profile yields the incoming one with defaults normalized.
func MergeProfiles(existing, incoming *core.AccountCostProfile) *core.AccountCostProfile {
	if existing == nil {
		out := *incoming
		if out.BillingType == "" {
			out.BillingType = core.BillingStandard
		}
		if out.CostTrackingMode == "" {
			out.CostTrackingMode = core.TrackingStandard
		}
		return &out
	}

	out := *existing
	if incoming.BillingType != "" {
		out.BillingType = incoming.BillingType
	}
	if incoming.CostTrackingMode != "" {
		out.CostTrackingMode = incoming.CostTrackingMode
	}
	if incoming.DerivedRates != nil {
		out.DerivedRates = incoming.DerivedRates
	}
	if incoming.TieredPricing != nil {
		out.TieredPricing = incoming.TieredPricing
	}
	if incoming.PointConversion != nil {
		out.PointConversion = incoming.PointConversion
	}
	if incoming.PricingFormula != nil {
		out.PricingFormula = incoming.PricingFormula
	}
	if incoming.FixedCosts != nil {
		out.FixedCosts = incoming.FixedCosts
	}
	if incoming.RelativeEfficiency > 0 {
		out.RelativeEfficiency = incoming.RelativeEfficiency
	}
	if incoming.ConfidenceLevel != "" {
		out.ConfidenceLevel = incoming.ConfidenceLevel
	}
	if incoming.VerificationStatus != "" {
		out.VerificationStatus = incoming.VerificationStatus
	}
	if incoming.LastVerifiedAt != nil {
		out.LastVerifiedAt = incoming.LastVerifiedAt
	}
	if len(incoming.Metadata) > 0 {
		merged := make(map[string]any, len(out.Metadata)+len(incoming.Metadata))
		for k, v := range out.Metadata {
			merged[k] = v
		}
		for k, v := range incoming.Metadata {
			merged[k] = v
		}
		out.Metadata = merged
	}
	return &out
}
