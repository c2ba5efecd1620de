// Package app wires configuration, stores, and services into a running
// metering core.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"relaymeter/config"
	"relaymeter/internal/analytics"
	"relaymeter/internal/cost"
	"relaymeter/internal/faststore"
	"relaymeter/internal/inference"
	"relaymeter/internal/ledger"
	"relaymeter/internal/pricing"
	"relaymeter/internal/recorder"
	"relaymeter/internal/tracking"
)

// App holds the assembled metering core.
type App struct {
	Config *config.Config

	Pricing   *pricing.Resolver
	Recorder  *recorder.Recorder
	Profiles  *tracking.Service
	Tracking  tracking.Store
	Ledger    *ledger.Store
	Fast      *faststore.Store
	Inference *inference.Engine
	Analytics *analytics.Store

	pool *pgxpool.Pool
	cron *cron.Cron
}

// New connects to the stores and assembles the services. The returned App
// owns the connections; call Shutdown to release them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	overrides, err := config.LoadOverrides(cfg.Pricing.OverridesFile)
	if err != nil {
		return nil, err
	}

	resolver := pricing.NewResolver(staticOverrides(overrides))
	if cfg.Pricing.TableFile != "" {
		n, err := resolver.RefreshFromFile(cfg.Pricing.TableFile)
		if err != nil {
			slog.Warn("dynamic price table unavailable, using static fallback", "error", err)
		} else {
			slog.Info("dynamic price table loaded", "entries", n)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ledgerStore, err := ledger.NewStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	trackingStore, err := tracking.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	fast, err := faststore.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	profiles := tracking.NewService(trackingStore)
	calculator := cost.NewCalculator(resolver)

	rec := recorder.New(calculator, profiles, ledgerStore, fast, recorder.Options{
		RateLimitWindow: cfg.Recorder.RateLimitWindow,
		RetryBufferSize: cfg.Recorder.RetryBufferSize,
	})

	a := &App{
		Config:    cfg,
		Pricing:   resolver,
		Recorder:  rec,
		Profiles:  profiles,
		Tracking:  trackingStore,
		Ledger:    ledgerStore,
		Fast:      fast,
		Inference: inference.NewEngine(trackingStore, profiles, ledgerStore),
		Analytics: analytics.NewStore(pool, overrides.CostBands),
		pool:      pool,
	}

	if cfg.Sweep.Schedule != "" {
		a.cron = cron.New()
		_, err := a.cron.AddFunc(cfg.Sweep.Schedule, func() {
			retried, failed := rec.Sweep(context.Background())
			if retried > 0 || failed > 0 {
				slog.Info("reconciliation sweep finished",
					"retried", retried, "failed", failed,
					"pending", rec.PendingRetries())
			}
		})
		if err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweep.Schedule, err)
		}
		a.cron.Start()
	}

	return a, nil
}

// Shutdown stops the sweep and releases store connections.
func (a *App) Shutdown() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.Fast != nil {
		if err := a.Fast.Close(); err != nil {
			slog.Warn("failed to close fast store", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func staticOverrides(ov *config.Overrides) map[string]pricing.Prices {
	if len(ov.StaticPrices) == 0 {
		return nil
	}
	out := make(map[string]pricing.Prices, len(ov.StaticPrices))
	for model, p := range ov.StaticPrices {
		out[model] = pricing.Prices{
			Input:      p.Input,
			Output:     p.Output,
			CacheWrite: p.CacheWrite,
			CacheRead:  p.CacheRead,
		}
	}
	return out
}
