package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaymeter/internal/core"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the billing configuration tables if they do not
// exist and returns a store over the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_cost_profiles (
			account_id TEXT PRIMARY KEY,
			billing_type TEXT NOT NULL DEFAULT 'standard',
			cost_tracking_mode TEXT NOT NULL DEFAULT 'standard',
			derived_rates JSONB,
			tiered_pricing JSONB,
			point_conversion JSONB,
			pricing_formula JSONB,
			fixed_costs JSONB,
			relative_efficiency DOUBLE PRECISION NOT NULL DEFAULT 0,
			confidence_level TEXT NOT NULL DEFAULT '',
			verification_status TEXT NOT NULL DEFAULT '',
			last_verified_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_cost_profiles table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_bills (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			billing_period_start TIMESTAMPTZ NOT NULL,
			billing_period_end TIMESTAMPTZ NOT NULL,
			billing_period TEXT NOT NULL,
			total_amount NUMERIC(20,10) NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			total_units NUMERIC(20,10) NOT NULL DEFAULT 0,
			unit_name TEXT NOT NULL DEFAULT '',
			confidence_level TEXT NOT NULL DEFAULT '',
			data_source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_bills table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pricing_inference_history (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			bills_used INTEGER NOT NULL,
			cost_per_token NUMERIC(24,14) NOT NULL,
			cost_per_million NUMERIC(20,10) NOT NULL,
			fixed_cost_per_month NUMERIC(20,10) NOT NULL,
			quality_score DOUBLE PRECISION NOT NULL,
			r_squared DOUBLE PRECISION NOT NULL,
			billing_pattern TEXT NOT NULL DEFAULT '',
			applied BOOLEAN NOT NULL,
			confidence_level TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create pricing_inference_history table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cost_validation_history (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			billing_period TEXT NOT NULL,
			bill_amount NUMERIC(20,10) NOT NULL,
			calculated_amount NUMERIC(20,10) NOT NULL,
			deviation_percent DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			adjustment_needed BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost_validation_history table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_balance_snapshots (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			balance NUMERIC(20,10) NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_balance_snapshots table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_account_bills_account ON account_bills(account_id, billing_period_start DESC)",
		"CREATE INDEX IF NOT EXISTS idx_account_bills_period ON account_bills(account_id, billing_period)",
		"CREATE INDEX IF NOT EXISTS idx_inference_history_account ON pricing_inference_history(account_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_validation_history_account ON cost_validation_history(account_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_balance_snapshots_account ON account_balance_snapshots(account_id, recorded_at DESC)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// GetProfile returns the profile for accountID, or nil if none exists.
func (s *PostgresStore) GetProfile(ctx context.Context, accountID string) (*core.AccountCostProfile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, billing_type, cost_tracking_mode,
			derived_rates, tiered_pricing, point_conversion, pricing_formula, fixed_costs,
			relative_efficiency, confidence_level, verification_status, last_verified_at,
			metadata, created_at, updated_at
		FROM account_cost_profiles
		WHERE account_id = $1
	`, accountID)

	var (
		p                 core.AccountCostProfile
		derivedRates      []byte
		tieredPricing     []byte
		pointConversion   []byte
		pricingFormula    []byte
		fixedCosts        []byte
		metadata          []byte
	)
	err := row.Scan(&p.AccountID, &p.BillingType, &p.CostTrackingMode,
		&derivedRates, &tieredPricing, &pointConversion, &pricingFormula, &fixedCosts,
		&p.RelativeEfficiency, &p.ConfidenceLevel, &p.VerificationStatus, &p.LastVerifiedAt,
		&metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", accountID, err)
	}

	if err := unmarshalInto(derivedRates, &p.DerivedRates); err != nil {
		return nil, err
	}
	if err := unmarshalInto(tieredPricing, &p.TieredPricing); err != nil {
		return nil, err
	}
	if err := unmarshalInto(pointConversion, &p.PointConversion); err != nil {
		return nil, err
	}
	if err := unmarshalInto(pricingFormula, &p.PricingFormula); err != nil {
		return nil, err
	}
	if err := unmarshalInto(fixedCosts, &p.FixedCosts); err != nil {
		return nil, err
	}
	if err := unmarshalInto(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile writes the profile, merging metadata keys over any existing
// row rather than replacing the whole document.
func (s *PostgresStore) UpsertProfile(ctx context.Context, profile *core.AccountCostProfile) (*core.AccountCostProfile, error) {
	derivedRates, err := marshalOrNil(profile.DerivedRates)
	if err != nil {
		return nil, err
	}
	tieredPricing, err := marshalOrNil(profile.TieredPricing)
	if err != nil {
		return nil, err
	}
	pointConversion, err := marshalOrNil(profile.PointConversion)
	if err != nil {
		return nil, err
	}
	pricingFormula, err := marshalOrNil(profile.PricingFormula)
	if err != nil {
		return nil, err
	}
	fixedCosts, err := marshalOrNil(profile.FixedCosts)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(orEmptyMap(profile.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO account_cost_profiles (
			account_id, billing_type, cost_tracking_mode,
			derived_rates, tiered_pricing, point_conversion, pricing_formula, fixed_costs,
			relative_efficiency, confidence_level, verification_status, last_verified_at, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id) DO UPDATE SET
			billing_type = EXCLUDED.billing_type,
			cost_tracking_mode = EXCLUDED.cost_tracking_mode,
			derived_rates = EXCLUDED.derived_rates,
			tiered_pricing = EXCLUDED.tiered_pricing,
			point_conversion = EXCLUDED.point_conversion,
			pricing_formula = EXCLUDED.pricing_formula,
			fixed_costs = EXCLUDED.fixed_costs,
			relative_efficiency = EXCLUDED.relative_efficiency,
			confidence_level = EXCLUDED.confidence_level,
			verification_status = EXCLUDED.verification_status,
			last_verified_at = EXCLUDED.last_verified_at,
			metadata = account_cost_profiles.metadata || EXCLUDED.metadata,
			updated_at = now()
		RETURNING created_at, updated_at
	`, profile.AccountID, string(profile.BillingType), string(profile.CostTrackingMode),
		derivedRates, tieredPricing, pointConversion, pricingFormula, fixedCosts,
		profile.RelativeEfficiency, string(profile.ConfidenceLevel),
		profile.VerificationStatus, profile.LastVerifiedAt, metadata)

	out := *profile
	if err := row.Scan(&out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert profile %s: %w", profile.AccountID, err)
	}
	return &out, nil
}

// UpdateVerification stamps the verification outcome without touching the
// billing strategy fields.
func (s *PostgresStore) UpdateVerification(ctx context.Context, accountID, status string, verifiedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE account_cost_profiles
		SET verification_status = $2, last_verified_at = $3, updated_at = now()
		WHERE account_id = $1
	`, accountID, status, verifiedAt)
	if err != nil {
		return fmt.Errorf("failed to update verification for %s: %w", accountID, err)
	}
	return nil
}

// ListBills returns the account's bills newest-first.
func (s *PostgresStore) ListBills(ctx context.Context, accountID string, opts ListOptions) ([]core.AccountBill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, billing_period_start, billing_period_end,
			total_amount, currency, total_units, unit_name, confidence_level, data_source, created_at
		FROM account_bills
		WHERE account_id = $1
		ORDER BY billing_period_start DESC
		LIMIT $2 OFFSET $3
	`, accountID, opts.limitOrDefault(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bills for %s: %w", accountID, err)
	}
	defer rows.Close()

	var bills []core.AccountBill
	for rows.Next() {
		var b core.AccountBill
		if err := rows.Scan(&b.ID, &b.AccountID, &b.BillingPeriodStart, &b.BillingPeriodEnd,
			&b.TotalAmount, &b.Currency, &b.TotalUnits, &b.UnitName,
			&b.ConfidenceLevel, &b.DataSource, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bill: %w", err)
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// CreateBill appends one invoice row.
func (s *PostgresStore) CreateBill(ctx context.Context, bill *core.AccountBill) (*core.AccountBill, error) {
	out := *bill
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO account_bills (
			id, account_id, billing_period_start, billing_period_end, billing_period,
			total_amount, currency, total_units, unit_name, confidence_level, data_source
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, out.ID, out.AccountID, out.BillingPeriodStart, out.BillingPeriodEnd,
		out.BillingPeriodKey(), out.TotalAmount, out.Currency, out.TotalUnits,
		out.UnitName, string(out.ConfidenceLevel), out.DataSource)

	if err := row.Scan(&out.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create bill for %s: %w", out.AccountID, err)
	}
	return &out, nil
}

// GetBillForPeriod returns the newest bill whose period matches the YYYY-MM
// key, or nil if none exists.
func (s *PostgresStore) GetBillForPeriod(ctx context.Context, accountID, billingPeriod string) (*core.AccountBill, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, billing_period_start, billing_period_end,
			total_amount, currency, total_units, unit_name, confidence_level, data_source, created_at
		FROM account_bills
		WHERE account_id = $1 AND billing_period = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID, billingPeriod)

	var b core.AccountBill
	err := row.Scan(&b.ID, &b.AccountID, &b.BillingPeriodStart, &b.BillingPeriodEnd,
		&b.TotalAmount, &b.Currency, &b.TotalUnits, &b.UnitName,
		&b.ConfidenceLevel, &b.DataSource, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bill for %s %s: %w", accountID, billingPeriod, err)
	}
	return &b, nil
}

// InsertInferenceRecord appends one inference audit row.
func (s *PostgresStore) InsertInferenceRecord(ctx context.Context, rec *PricingInferenceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pricing_inference_history (
			id, account_id, bills_used, cost_per_token, cost_per_million,
			fixed_cost_per_month, quality_score, r_squared, billing_pattern,
			applied, confidence_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.AccountID, rec.BillsUsed, rec.CostPerToken, rec.CostPerMillion,
		rec.FixedCostPerMonth, rec.QualityScore, rec.RSquared, rec.BillingPattern,
		rec.Applied, string(rec.ConfidenceLevel))
	if err != nil {
		return fmt.Errorf("failed to insert inference record: %w", err)
	}
	return nil
}

// InsertValidationRecord appends one validation audit row.
func (s *PostgresStore) InsertValidationRecord(ctx context.Context, rec *CostValidationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_validation_history (
			id, account_id, billing_period, bill_amount, calculated_amount,
			deviation_percent, status, adjustment_needed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.AccountID, rec.BillingPeriod, rec.BillAmount, rec.CalculatedAmount,
		rec.DeviationPercent, rec.Status, rec.AdjustmentNeeded)
	if err != nil {
		return fmt.Errorf("failed to insert validation record: %w", err)
	}
	return nil
}

// ListInferenceHistory returns inference audit rows newest-first.
func (s *PostgresStore) ListInferenceHistory(ctx context.Context, accountID string, opts ListOptions) ([]PricingInferenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, bills_used, cost_per_token, cost_per_million,
			fixed_cost_per_month, quality_score, r_squared, billing_pattern,
			applied, confidence_level, created_at
		FROM pricing_inference_history
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, opts.limitOrDefault(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list inference history for %s: %w", accountID, err)
	}
	defer rows.Close()

	var recs []PricingInferenceRecord
	for rows.Next() {
		var r PricingInferenceRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.BillsUsed, &r.CostPerToken, &r.CostPerMillion,
			&r.FixedCostPerMonth, &r.QualityScore, &r.RSquared, &r.BillingPattern,
			&r.Applied, &r.ConfidenceLevel, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inference record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListValidationHistory returns validation audit rows newest-first.
func (s *PostgresStore) ListValidationHistory(ctx context.Context, accountID string, opts ListOptions) ([]CostValidationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, billing_period, bill_amount, calculated_amount,
			deviation_percent, status, adjustment_needed, created_at
		FROM cost_validation_history
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, opts.limitOrDefault(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation history for %s: %w", accountID, err)
	}
	defer rows.Close()

	var recs []CostValidationRecord
	for rows.Next() {
		var r CostValidationRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.BillingPeriod, &r.BillAmount,
			&r.CalculatedAmount, &r.DeviationPercent, &r.Status,
			&r.AdjustmentNeeded, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// InsertBalanceSnapshot appends one balance reading.
func (s *PostgresStore) InsertBalanceSnapshot(ctx context.Context, snap *BalanceSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_balance_snapshots (id, account_id, balance, currency, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.ID, snap.AccountID, snap.Balance, snap.Currency, snap.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	return nil
}

// ListBalanceSnapshots returns balance readings newest-first.
func (s *PostgresStore) ListBalanceSnapshots(ctx context.Context, accountID string, opts ListOptions) ([]BalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, balance, currency, recorded_at
		FROM account_balance_snapshots
		WHERE account_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, opts.limitOrDefault(), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance snapshots for %s: %w", accountID, err)
	}
	defer rows.Close()

	var snaps []BalanceSnapshot
	for rows.Next() {
		var s BalanceSnapshot
		if err := rows.Scan(&s.ID, &s.AccountID, &s.Balance, &s.Currency, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil || isNilish(v) {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile field: %w", err)
	}
	return data, nil
}

func isNilish(v any) bool {
	switch x := v.(type) {
	case *core.DerivedRates:
		return x == nil
	case *core.PointConversion:
		return x == nil
	case *core.FixedCosts:
		return x == nil
	case []core.PricingTier:
		return x == nil
	case []core.FormulaComponent:
		return x == nil
	default:
		return false
	}
}

func unmarshalInto(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal profile field: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
