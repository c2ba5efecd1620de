package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type registerer = prometheus.Registerer

type metrics struct {
	recorded          *prometheus.CounterVec
	durableFailures   prometheus.Counter
	fastStoreFailures prometheus.Counter
	retried           prometheus.Counter
	eventsLost        prometheus.Counter
	retryQueueDepth   prometheus.Gauge
}

func newMetrics(reg registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &metrics{
		recorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_events_recorded_total",
			Help: "Usage events processed by the recorder, by request status.",
		}, []string{"status"}),
		durableFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "usage_durable_write_failures_total",
			Help: "Ledger writes that failed and were queued for reconciliation.",
		}),
		fastStoreFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "usage_fast_store_failures_total",
			Help: "Counter updates that failed against the fast store.",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "usage_reconciliation_retries_total",
			Help: "Queued ledger writes replayed successfully by the sweep.",
		}),
		eventsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "usage_events_lost_total",
			Help: "Events dropped because the retry queue was full.",
		}),
		retryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "usage_retry_queue_depth",
			Help: "Failed ledger writes currently awaiting the sweep.",
		}),
	}
}
