package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"relaymeter/config"
	"relaymeter/internal/ledger"
)

// recentWindow is the slice of a range treated as "recent" by the
// time-weighted comparison.
const recentWindow = 7 * 24 * time.Hour

// Filters parameterize an analytics query.
type Filters struct {
	Range ledger.TimeRange

	// Platform restricts to accounts on one upstream platform.
	Platform string

	// AccountIDs restricts to an explicit account group.
	AccountIDs []string

	// Model restricts to one model id.
	Model string
}

// Store runs aggregation queries against the ledger tables.
type Store struct {
	pool  *pgxpool.Pool
	bands map[string]config.CostBand
}

// NewStore returns an analytics store. bands supplies expected
// cost-per-million overrides for anomaly detection and may be nil.
func NewStore(pool *pgxpool.Pool, bands map[string]config.CostBand) *Store {
	return &Store{pool: pool, bands: bands}
}

// Summary is the aggregate efficiency picture for one filtered window.
type Summary struct {
	Range  ledger.TimeRange `json:"range"`
	Totals Totals           `json:"totals"`
	Ratios Ratios           `json:"ratios"`
}

func (f Filters) whereClause(args []any) (string, []any) {
	where := "ur.occurred_at >= $1 AND ur.occurred_at < $2"
	if f.Platform != "" {
		args = append(args, f.Platform)
		where += fmt.Sprintf(" AND ur.account_id IN (SELECT id FROM accounts WHERE platform = $%d)", len(args))
	}
	if len(f.AccountIDs) > 0 {
		args = append(args, f.AccountIDs)
		where += fmt.Sprintf(" AND ur.account_id = ANY($%d)", len(args))
	}
	if f.Model != "" {
		args = append(args, f.Model)
		where += fmt.Sprintf(" AND ur.model = $%d", len(args))
	}
	return where, args
}

// Summary aggregates the window into totals and efficiency ratios.
func (s *Store) Summary(ctx context.Context, f Filters) (Summary, error) {
	args := []any{f.Range.Start, f.Range.End}
	where, args := f.whereClause(args)

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(ur.requests), 0),
			COALESCE(SUM(ur.total_tokens), 0),
			COALESCE(SUM(ur.actual_cost), 0)::float8,
			COUNT(*) FILTER (WHERE ur.status = 'success'),
			COUNT(*) FILTER (WHERE ur.status = 'error'),
			COALESCE(AVG(ur.response_latency_ms), 0)::float8,
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY ur.response_latency_ms), 0)::float8
		FROM usage_records ur
		WHERE %s
	`, where)

	out := Summary{Range: f.Range}
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&out.Totals.Requests, &out.Totals.Tokens, &out.Totals.Cost,
		&out.Totals.SuccessCount, &out.Totals.ErrorCount,
		&out.Totals.AvgLatencyMs, &out.Totals.P95LatencyMs)
	if err != nil {
		return out, fmt.Errorf("failed to aggregate summary: %w", err)
	}
	out.Ratios = ComputeRatios(out.Totals)
	return out, nil
}

// AccountEfficiency is one account's aggregate within a window.
type AccountEfficiency struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
	Totals    Totals `json:"totals"`
	Ratios    Ratios `json:"ratios"`
}

// AccountSummaries aggregates the window per account, most expensive
// first.
func (s *Store) AccountSummaries(ctx context.Context, f Filters) ([]AccountEfficiency, error) {
	args := []any{f.Range.Start, f.Range.End}
	where, args := f.whereClause(args)

	query := fmt.Sprintf(`
		SELECT ur.account_id,
			COALESCE(MAX(a.platform), 'unknown'),
			COALESCE(SUM(ur.requests), 0),
			COALESCE(SUM(ur.total_tokens), 0),
			COALESCE(SUM(ur.actual_cost), 0)::float8,
			COUNT(*) FILTER (WHERE ur.status = 'success'),
			COUNT(*) FILTER (WHERE ur.status = 'error'),
			COALESCE(AVG(ur.response_latency_ms), 0)::float8,
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY ur.response_latency_ms), 0)::float8
		FROM usage_records ur
		LEFT JOIN accounts a ON a.id = ur.account_id
		WHERE %s
		GROUP BY ur.account_id
		ORDER BY SUM(ur.actual_cost) DESC
	`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountEfficiency
	for rows.Next() {
		var ae AccountEfficiency
		if err := rows.Scan(&ae.AccountID, &ae.Platform,
			&ae.Totals.Requests, &ae.Totals.Tokens, &ae.Totals.Cost,
			&ae.Totals.SuccessCount, &ae.Totals.ErrorCount,
			&ae.Totals.AvgLatencyMs, &ae.Totals.P95LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan account aggregate: %w", err)
		}
		ae.Ratios = ComputeRatios(ae.Totals)
		out = append(out, ae)
	}
	return out, rows.Err()
}

// TrendPoint is one time bucket of a trend series.
type TrendPoint struct {
	Bucket time.Time `json:"bucket"`
	Totals Totals    `json:"totals"`
	Ratios Ratios    `json:"ratios"`
}

// Trends buckets the window by day or hour.
func (s *Store) Trends(ctx context.Context, f Filters, granularity string) ([]TrendPoint, error) {
	switch granularity {
	case "hour", "day":
	case "":
		granularity = "day"
	default:
		return nil, fmt.Errorf("unsupported trend granularity %q", granularity)
	}

	args := []any{f.Range.Start, f.Range.End}
	where, args := f.whereClause(args)

	query := fmt.Sprintf(`
		SELECT date_trunc('%s', ur.occurred_at) AS bucket,
			COALESCE(SUM(ur.requests), 0),
			COALESCE(SUM(ur.total_tokens), 0),
			COALESCE(SUM(ur.actual_cost), 0)::float8,
			COUNT(*) FILTER (WHERE ur.status = 'success'),
			COUNT(*) FILTER (WHERE ur.status = 'error'),
			COALESCE(AVG(ur.response_latency_ms), 0)::float8,
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY ur.response_latency_ms), 0)::float8
		FROM usage_records ur
		WHERE %s
		GROUP BY bucket
		ORDER BY bucket
	`, granularity, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate trends: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var tp TrendPoint
		if err := rows.Scan(&tp.Bucket,
			&tp.Totals.Requests, &tp.Totals.Tokens, &tp.Totals.Cost,
			&tp.Totals.SuccessCount, &tp.Totals.ErrorCount,
			&tp.Totals.AvgLatencyMs, &tp.Totals.P95LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan trend bucket: %w", err)
		}
		tp.Ratios = ComputeRatios(tp.Totals)
		out = append(out, tp)
	}
	return out, rows.Err()
}

// TimeWeightedTrend splits the window at now minus seven days and compares
// the recent slice against everything before it.
func (s *Store) TimeWeightedTrend(ctx context.Context, f Filters, now time.Time) (TrendAnalysis, error) {
	split := now.UTC().Add(-recentWindow)
	if split.Before(f.Range.Start) {
		split = f.Range.Start
	}

	historical := f
	historical.Range = ledger.TimeRange{Start: f.Range.Start, End: split}
	recent := f
	recent.Range = ledger.TimeRange{Start: split, End: f.Range.End}

	var histTotals, recentTotals Totals
	if historical.Range.End.After(historical.Range.Start) {
		sum, err := s.Summary(ctx, historical)
		if err != nil {
			return TrendAnalysis{}, err
		}
		histTotals = sum.Totals
	}
	if recent.Range.End.After(recent.Range.Start) {
		sum, err := s.Summary(ctx, recent)
		if err != nil {
			return TrendAnalysis{}, err
		}
		recentTotals = sum.Totals
	}

	return AnalyzeTrend(recentTotals, histTotals), nil
}

// ModelAnomalies runs the time-weighted comparison per model and flags
// anomalous spend. Returns the per-model anomalies and the worst severity
// seen.
func (s *Store) ModelAnomalies(ctx context.Context, f Filters, now time.Time) (map[string][]Anomaly, Severity, error) {
	models, err := s.activeModels(ctx, f)
	if err != nil {
		return nil, SeverityNone, err
	}

	out := make(map[string][]Anomaly)
	overall := SeverityNone
	for _, model := range models {
		mf := f
		mf.Model = model
		trend, err := s.TimeWeightedTrend(ctx, mf, now)
		if err != nil {
			return nil, SeverityNone, err
		}
		anomalies, sev := DetectAnomalies(model, trend, s.bands)
		if len(anomalies) > 0 {
			out[model] = anomalies
		}
		if sev == SeverityCritical || (sev == SeverityWarning && overall == SeverityNone) {
			overall = sev
		}
	}
	return out, overall, nil
}

func (s *Store) activeModels(ctx context.Context, f Filters) ([]string, error) {
	args := []any{f.Range.Start, f.Range.End}
	where, args := f.whereClause(args)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT ur.model FROM usage_records ur WHERE %s
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active models: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}
