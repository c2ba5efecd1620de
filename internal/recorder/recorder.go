// Package recorder is the hot write path. Each completed upstream request
// is priced, folded into the fast-store counters, and durably persisted to
// the ledger. The caller's request never fails because of accounting: the
// durable half degrades to a retry queue drained by the reconciliation
// sweep.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relaymeter/internal/core"
	"relaymeter/internal/cost"
	"relaymeter/internal/faststore"
)

// DurableStore is the ledger surface the recorder writes to.
type DurableStore interface {
	EnsureAccount(ctx context.Context, accountID, name, platform string) error
	RecordEvent(ctx context.Context, ev core.UsageEvent, standard cost.Breakdown, actual cost.ActualCost) error
}

// FastStore is the counter surface the recorder updates.
type FastStore interface {
	IncrementUsage(ctx context.Context, ev core.UsageEvent, actualCost float64) error
	IncrementWeeklyPremiumCost(ctx context.Context, apiKeyID, model string, cost float64, at time.Time) error
	IncrementWindow(ctx context.Context, apiKeyID string, tokens int64, cost float64, window time.Duration) (faststore.WindowState, error)
}

// ProfileSource supplies billing profiles for actual-cost resolution.
type ProfileSource interface {
	GetProfile(ctx context.Context, accountID string) (*core.AccountCostProfile, error)
}

// Request is one completed upstream request to record.
type Request struct {
	APIKeyID  string
	AccountID string
	Model     string
	Usage     core.Usage

	Status            core.RequestStatus
	ResponseLatencyMs int
	HTTPStatus        int
	ErrorCode         string
	Retries           int
	ClientType        string
	Region            string

	// Platform hints account synthesis when the account has never been
	// seen by the ledger. Empty falls back to "unknown".
	Platform string
}

// Recorder prices and persists usage events.
type Recorder struct {
	calculator *cost.Calculator
	profiles   ProfileSource
	durable    DurableStore
	fast       FastStore
	metrics    *metrics

	rateLimitWindow time.Duration
	accountsSeen    *accountMemo
	retryQueue      chan pendingEvent

	log *slog.Logger
}

type pendingEvent struct {
	event    core.UsageEvent
	standard cost.Breakdown
	actual   cost.ActualCost
}

// Options tunes a Recorder.
type Options struct {
	// RateLimitWindow is the rolling window counted per API key.
	RateLimitWindow time.Duration

	// RetryBufferSize bounds the queue of failed durable writes awaiting
	// the reconciliation sweep. Events beyond the bound are dropped and
	// logged as lost.
	RetryBufferSize int

	// Registerer receives the recorder's metrics. Nil uses the default
	// Prometheus registry.
	Registerer registerer
}

// New returns a Recorder.
func New(calculator *cost.Calculator, profiles ProfileSource, durable DurableStore, fast FastStore, opts Options) *Recorder {
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.RetryBufferSize <= 0 {
		opts.RetryBufferSize = 10_000
	}

	return &Recorder{
		calculator:      calculator,
		profiles:        profiles,
		durable:         durable,
		fast:            fast,
		metrics:         newMetrics(opts.Registerer),
		rateLimitWindow: opts.RateLimitWindow,
		accountsSeen:    newAccountMemo(),
		retryQueue:      make(chan pendingEvent, opts.RetryBufferSize),
		log:             slog.Default().With("component", "recorder"),
	}
}

// RecordUsage processes one completed request. It never returns an error:
// pricing always resolves, fast-store and durable failures are logged and
// counted, and failed ledger writes are queued for the sweep. Fire and
// forget from the caller's perspective.
func (r *Recorder) RecordUsage(ctx context.Context, req Request) {
	ev := r.buildEvent(req)

	standard := r.calculator.Calculate(ev.Model, ev.Usage)

	profile, err := r.profiles.GetProfile(ctx, ev.AccountID)
	if err != nil {
		r.log.Warn("profile read failed, billing at list price",
			"account_id", ev.AccountID, "error", err)
		profile = nil
	}
	actual := cost.ResolveActualCost(ev.Usage, standard, profile)

	r.updateFastStore(ctx, ev, actual)
	r.persistDurably(ctx, ev, standard, actual, req.Platform)

	r.metrics.recorded.WithLabelValues(string(ev.Status)).Inc()
}

func (r *Recorder) buildEvent(req Request) core.UsageEvent {
	status := req.Status
	if status == "" {
		status = core.StatusSuccess
	}
	return core.UsageEvent{
		ID:                uuid.New().String(),
		OccurredAt:        time.Now().UTC(),
		AccountID:         req.AccountID,
		APIKeyID:          req.APIKeyID,
		Model:             req.Model,
		Usage:             req.Usage,
		Status:            status,
		ResponseLatencyMs: req.ResponseLatencyMs,
		HTTPStatus:        req.HTTPStatus,
		ErrorCode:         req.ErrorCode,
		Retries:           req.Retries,
		ClientType:        req.ClientType,
		Region:            req.Region,
	}
}

// updateFastStore folds the event into every live counter. Failures are
// logged and counted but never propagate; the ledger row is still written.
func (r *Recorder) updateFastStore(ctx context.Context, ev core.UsageEvent, actual cost.ActualCost) {
	if err := r.fast.IncrementUsage(ctx, ev, actual.ActualCost); err != nil {
		r.metrics.fastStoreFailures.Inc()
		r.log.Error("fast-store counter update failed",
			"api_key_id", ev.APIKeyID, "error", err)
	}

	if _, err := r.fast.IncrementWindow(ctx, ev.APIKeyID,
		int64(ev.Usage.TotalTokens()), actual.ActualCost, r.rateLimitWindow); err != nil {
		r.metrics.fastStoreFailures.Inc()
		r.log.Error("rate-limit window update failed",
			"api_key_id", ev.APIKeyID, "error", err)
	}

	if err := r.fast.IncrementWeeklyPremiumCost(ctx, ev.APIKeyID, ev.Model,
		actual.ActualCost, ev.OccurredAt); err != nil {
		r.metrics.fastStoreFailures.Inc()
		r.log.Error("weekly premium cost update failed",
			"api_key_id", ev.APIKeyID, "error", err)
	}
}

// persistDurably writes the ledger row, synthesizing the account first if
// this process has never seen it. A failed write is queued for the sweep;
// the event is already delivered as far as the caller is concerned.
func (r *Recorder) persistDurably(ctx context.Context, ev core.UsageEvent, standard cost.Breakdown, actual cost.ActualCost, platform string) {
	if ev.AccountID != "" && r.accountsSeen.firstSighting(ev.AccountID) {
		if err := r.durable.EnsureAccount(ctx, ev.AccountID, "", platform); err != nil {
			// Forget the sighting so a later event retries the synthesis.
			r.accountsSeen.forget(ev.AccountID)
			r.log.Error("account synthesis failed",
				"account_id", ev.AccountID, "error", err)
		}
	}

	if err := r.durable.RecordEvent(ctx, ev, standard, actual); err != nil {
		r.metrics.durableFailures.Inc()
		r.log.Error("durable write failed, queuing for reconciliation",
			"event_id", ev.ID, "api_key_id", ev.APIKeyID, "error", err)
		r.enqueueRetry(pendingEvent{event: ev, standard: standard, actual: actual})
	}
}

func (r *Recorder) enqueueRetry(p pendingEvent) {
	select {
	case r.retryQueue <- p:
		r.metrics.retryQueueDepth.Set(float64(len(r.retryQueue)))
	default:
		r.metrics.eventsLost.Inc()
		r.log.Error("retry queue full, usage event lost", "event_id", p.event.ID)
	}
}

// Sweep retries every queued ledger write. Events that fail again are
// requeued. Intended to run on a schedule, off the hot path.
func (r *Recorder) Sweep(ctx context.Context) (retried, failed int) {
	for {
		select {
		case p := <-r.retryQueue:
			if err := r.durable.RecordEvent(ctx, p.event, p.standard, p.actual); err != nil {
				failed++
				r.log.Warn("reconciliation retry failed", "event_id", p.event.ID, "error", err)
				r.enqueueRetry(p)
				r.metrics.retryQueueDepth.Set(float64(len(r.retryQueue)))
				return retried, failed
			}
			retried++
			r.metrics.retried.Inc()
		default:
			r.metrics.retryQueueDepth.Set(float64(len(r.retryQueue)))
			return retried, failed
		}
	}
}

// PendingRetries reports how many failed writes await the sweep.
func (r *Recorder) PendingRetries() int {
	return len(r.retryQueue)
}
