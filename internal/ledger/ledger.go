// Package ledger is the durable, canonical record of usage. Every
// processed request becomes one immutable usage_records row; counters
// elsewhere are rebuildable caches of sums over this table.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaymeter/internal/core"
	"relaymeter/internal/cost"
)

// Store persists usage events and answers period aggregation queries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the ledger tables if they do not exist.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT 'unknown',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			total_cost_accumulated NUMERIC(20,10) NOT NULL DEFAULT 0,
			total_requests BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_keys table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL,
			api_key_id TEXT NOT NULL,
			model TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			usage_date DATE NOT NULL,
			usage_hour SMALLINT NOT NULL,
			billing_period TEXT NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_create_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			ephemeral_5m_tokens BIGINT NOT NULL DEFAULT 0,
			ephemeral_1h_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			requests INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'success',
			response_latency_ms INTEGER NOT NULL DEFAULT 0,
			http_status INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			client_type TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			standard_cost NUMERIC(20,10) NOT NULL DEFAULT 0,
			actual_cost NUMERIC(20,10) NOT NULL DEFAULT 0,
			cost_source TEXT NOT NULL DEFAULT 'calculated',
			calculation_method TEXT NOT NULL DEFAULT '',
			confidence_level TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_records table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_records_account_time ON usage_records(account_id, occurred_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_usage_records_key_time ON usage_records(api_key_id, occurred_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_usage_records_date ON usage_records(usage_date)",
		"CREATE INDEX IF NOT EXISTS idx_usage_records_period ON usage_records(account_id, billing_period)",
		"CREATE INDEX IF NOT EXISTS idx_usage_records_model ON usage_records(model)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &Store{pool: pool}, nil
}

// EnsureAccount upserts a minimal account row so foreign-key integrity
// holds for ledger writes. Idempotent by primary key.
func (s *Store) EnsureAccount(ctx context.Context, accountID, name, platform string) error {
	if platform == "" {
		platform = "unknown"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, accountID, name, platform)
	if err != nil {
		return fmt.Errorf("failed to ensure account %s: %w", accountID, err)
	}
	return nil
}

// RecordEvent writes one immutable ledger row and rolls the event's cost
// and counts into the API key's cumulative columns. Both halves commit or
// roll back together.
func (s *Store) RecordEvent(ctx context.Context, ev core.UsageEvent, standard cost.Breakdown, actual cost.ActualCost) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_records (
			id, account_id, api_key_id, model, occurred_at, usage_date, usage_hour, billing_period,
			input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
			ephemeral_5m_tokens, ephemeral_1h_tokens, total_tokens, requests,
			status, response_latency_ms, http_status, error_code, retries, client_type, region,
			standard_cost, actual_cost, cost_source, calculation_method, confidence_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
		ON CONFLICT (id) DO NOTHING
	`, id, ev.AccountID, ev.APIKeyID, ev.Model, ev.OccurredAt, ev.UsageDate(), ev.UsageHour(),
		ev.BillingPeriodKey(), ev.Usage.InputTokens, ev.Usage.OutputTokens,
		ev.Usage.CacheCreateTokens, ev.Usage.CacheReadTokens,
		ev.Usage.Ephemeral5mTokens, ev.Usage.Ephemeral1hTokens,
		ev.Usage.TotalTokens(), ev.Usage.RequestCount(),
		string(ev.Status), ev.ResponseLatencyMs, ev.HTTPStatus, ev.ErrorCode, ev.Retries,
		ev.ClientType, ev.Region, standard.Total, actual.ActualCost,
		string(actual.CostSource), actual.CalculationMethod, string(actual.ConfidenceLevel))
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO api_keys (id, account_id, total_cost_accumulated, total_requests, total_tokens, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total_cost_accumulated = api_keys.total_cost_accumulated + EXCLUDED.total_cost_accumulated,
			total_requests = api_keys.total_requests + EXCLUDED.total_requests,
			total_tokens = api_keys.total_tokens + EXCLUDED.total_tokens,
			last_used_at = GREATEST(COALESCE(api_keys.last_used_at, 'epoch'::timestamptz), EXCLUDED.last_used_at)
	`, ev.APIKeyID, ev.AccountID, actual.ActualCost, ev.Usage.RequestCount(),
		ev.Usage.TotalTokens(), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to update api key accumulators: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// PeriodTotals is the ledger's aggregate for one account and billing
// period.
type PeriodTotals struct {
	BillingPeriod string  `json:"billing_period"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int64   `json:"total_requests"`
}

// SumPeriod aggregates tokens, cost, and requests for one YYYY-MM billing
// period. SQL-side summation over the NUMERIC column keeps long-period
// totals free of float accumulation drift.
func (s *Store) SumPeriod(ctx context.Context, accountID, billingPeriod string) (PeriodTotals, error) {
	totals := PeriodTotals{BillingPeriod: billingPeriod}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(actual_cost), 0)::float8,
			COALESCE(SUM(requests), 0)
		FROM usage_records
		WHERE account_id = $1 AND billing_period = $2
	`, accountID, billingPeriod).Scan(&totals.TotalTokens, &totals.TotalCost, &totals.TotalRequests)
	if err != nil {
		return totals, fmt.Errorf("failed to sum period %s for %s: %w", billingPeriod, accountID, err)
	}
	return totals, nil
}

// KeyTotals is the cumulative usage attributed to one API key.
type KeyTotals struct {
	APIKeyID      string     `json:"api_key_id"`
	TotalCost     float64    `json:"total_cost"`
	TotalRequests int64      `json:"total_requests"`
	TotalTokens   int64      `json:"total_tokens"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// KeyTotals returns the API key's cumulative columns. Unknown keys report
// zeroes rather than an error.
func (s *Store) KeyTotals(ctx context.Context, apiKeyID string) (KeyTotals, error) {
	totals := KeyTotals{APIKeyID: apiKeyID}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_cost_accumulated), 0)::float8,
			COALESCE(SUM(total_requests), 0),
			COALESCE(SUM(total_tokens), 0),
			MAX(last_used_at)
		FROM api_keys
		WHERE id = $1
	`, apiKeyID).Scan(&totals.TotalCost, &totals.TotalRequests, &totals.TotalTokens, &totals.LastUsedAt)
	if err != nil {
		return totals, fmt.Errorf("failed to load key totals for %s: %w", apiKeyID, err)
	}
	return totals, nil
}
