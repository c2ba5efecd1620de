// Package faststore keeps the live counters the request path reads and
// writes: rolling usage aggregates, rate-limit windows, and concurrency
// gauges. Everything here is a rebuildable cache over the ledger, never
// the source of truth for billing.
package faststore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaymeter/internal/core"
)

// Counter retention. Daily hashes outlive a month of dashboards, monthly
// hashes a year, weekly premium-cost counters one ISO week plus slack.
const (
	dailyTTL   = 32 * 24 * time.Hour
	monthlyTTL = 372 * 24 * time.Hour
	weeklyTTL  = 8 * 24 * time.Hour
)

// Store wraps the Redis client with the counter key layout.
type Store struct {
	client *redis.Client
}

// New returns a Store over an established client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Dial connects to the fast store using a redis URL.
func Dial(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func dailyKey(keyID, date string) string    { return fmt.Sprintf("usage:daily:%s:%s", keyID, date) }
func monthlyKey(keyID, month string) string { return fmt.Sprintf("usage:monthly:%s:%s", keyID, month) }
func modelDailyKey(keyID, model, date string) string {
	return fmt.Sprintf("usage:%s:model:daily:%s:%s", keyID, model, date)
}
func modelMonthlyKey(keyID, model, month string) string {
	return fmt.Sprintf("usage:%s:model:monthly:%s:%s", keyID, model, month)
}
func accountDailyKey(accountID, date string) string {
	return fmt.Sprintf("account:usage:daily:%s:%s", accountID, date)
}
func accountMonthlyKey(accountID, month string) string {
	return fmt.Sprintf("account:usage:monthly:%s:%s", accountID, month)
}

// IncrementUsage folds one event into every rolling counter: per-key
// lifetime, daily, and monthly hashes, per-model slices, per-account
// mirrors, cost totals, and the key's last-used timestamp. All increments
// ride one pipeline.
func (s *Store) IncrementUsage(ctx context.Context, ev core.UsageEvent, actualCost float64) error {
	date := ev.UsageDate()
	month := ev.BillingPeriodKey()

	pipe := s.client.Pipeline()

	type counterHash struct {
		key string
		ttl time.Duration
	}
	hashes := []counterHash{
		{fmt.Sprintf("usage:%s", ev.APIKeyID), 0},
		{dailyKey(ev.APIKeyID, date), dailyTTL},
		{monthlyKey(ev.APIKeyID, month), monthlyTTL},
		{modelDailyKey(ev.APIKeyID, ev.Model, date), dailyTTL},
		{modelMonthlyKey(ev.APIKeyID, ev.Model, month), monthlyTTL},
	}
	if ev.AccountID != "" {
		hashes = append(hashes,
			counterHash{accountDailyKey(ev.AccountID, date), dailyTTL},
			counterHash{accountMonthlyKey(ev.AccountID, month), monthlyTTL},
		)
	}

	for _, h := range hashes {
		pipe.HIncrBy(ctx, h.key, "totalTokens", int64(ev.Usage.TotalTokens()))
		pipe.HIncrBy(ctx, h.key, "inputTokens", int64(ev.Usage.InputTokens))
		pipe.HIncrBy(ctx, h.key, "outputTokens", int64(ev.Usage.OutputTokens))
		pipe.HIncrBy(ctx, h.key, "cacheCreateTokens", int64(ev.Usage.CacheCreateTokens))
		pipe.HIncrBy(ctx, h.key, "cacheReadTokens", int64(ev.Usage.CacheReadTokens))
		pipe.HIncrBy(ctx, h.key, "requests", int64(ev.Usage.RequestCount()))
		if ev.Status == core.StatusError {
			pipe.HIncrBy(ctx, h.key, "errors", 1)
		}
		if h.ttl > 0 {
			pipe.Expire(ctx, h.key, h.ttl)
		}
	}

	if actualCost > 0 {
		costDaily := fmt.Sprintf("usage:cost:daily:%s:%s", ev.APIKeyID, date)
		pipe.IncrByFloat(ctx, costDaily, actualCost)
		pipe.Expire(ctx, costDaily, dailyTTL)
		pipe.IncrByFloat(ctx, fmt.Sprintf("usage:cost:total:%s", ev.APIKeyID), actualCost)
		if ev.AccountID != "" {
			accountCostDaily := fmt.Sprintf("account:usage:cost:daily:%s:%s", ev.AccountID, date)
			pipe.IncrByFloat(ctx, accountCostDaily, actualCost)
			pipe.Expire(ctx, accountCostDaily, dailyTTL)
		}
	}

	pipe.Set(ctx, fmt.Sprintf("apikey:last_used:%s", ev.APIKeyID),
		ev.OccurredAt.UTC().Format(time.RFC3339), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment usage counters: %w", err)
	}
	return nil
}

// IncrementWeeklyPremiumCost accumulates spend on premium-class models into
// a per-key ISO-week counter. Non-premium models are a no-op.
func (s *Store) IncrementWeeklyPremiumCost(ctx context.Context, apiKeyID, model string, cost float64, at time.Time) error {
	if cost <= 0 || !IsPremiumModel(model) {
		return nil
	}
	key := fmt.Sprintf("usage:opus:weekly:%s:%s", apiKeyID, ISOWeek(at))

	pipe := s.client.Pipeline()
	pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, weeklyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment weekly premium cost: %w", err)
	}
	return nil
}

// GetWeeklyPremiumCost reads the current ISO week's premium spend for a key.
func (s *Store) GetWeeklyPremiumCost(ctx context.Context, apiKeyID string, at time.Time) (float64, error) {
	key := fmt.Sprintf("usage:opus:weekly:%s:%s", apiKeyID, ISOWeek(at))
	v, err := s.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read weekly premium cost: %w", err)
	}
	return v, nil
}

// IsPremiumModel reports whether the model bills into the weekly premium
// cost budget.
func IsPremiumModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude-opus")
}

// ISOWeek formats t as "2006-W02", the ISO year-week bucket.
func ISOWeek(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// DailyUsage reads one day's counter hash for a key. Missing keys return
// an empty map.
func (s *Store) DailyUsage(ctx context.Context, apiKeyID, date string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, dailyKey(apiKeyID, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return vals, nil
}

// DailyCost reads one day's accumulated cost for a key.
func (s *Store) DailyCost(ctx context.Context, apiKeyID, date string) (float64, error) {
	v, err := s.client.Get(ctx, fmt.Sprintf("usage:cost:daily:%s:%s", apiKeyID, date)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily cost: %w", err)
	}
	return v, nil
}

// TotalCost reads the key's lifetime accumulated cost.
func (s *Store) TotalCost(ctx context.Context, apiKeyID string) (float64, error) {
	v, err := s.client.Get(ctx, fmt.Sprintf("usage:cost:total:%s", apiKeyID)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read total cost: %w", err)
	}
	return v, nil
}

// IncrConcurrency bumps the key's in-flight request gauge and returns the
// new value. The gauge self-expires so crashed clients cannot leak slots
// forever.
func (s *Store) IncrConcurrency(ctx context.Context, apiKeyID string, ttl time.Duration) (int64, error) {
	key := fmt.Sprintf("concurrency:%s", apiKeyID)
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment concurrency: %w", err)
	}
	return incr.Val(), nil
}

// DecrConcurrency releases one in-flight slot, clamping at zero.
func (s *Store) DecrConcurrency(ctx context.Context, apiKeyID string) error {
	key := fmt.Sprintf("concurrency:%s", apiKeyID)
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement concurrency: %w", err)
	}
	if n < 0 {
		s.client.Set(ctx, key, 0, redis.KeepTTL)
	}
	return nil
}
