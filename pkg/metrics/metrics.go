// Package metrics exposes prometheus collectors for the watcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsSent counts records acknowledged by the ingestion API.
	RecordsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_records_sent_total",
		Help: "Records delivered and acknowledged by the ingestion API.",
	})

	// RecordsRetried counts retryable failures that rescheduled a record.
	RecordsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_records_retried_total",
		Help: "Delivery attempts that failed retryably and were rescheduled.",
	})

	// RecordsDeadLettered counts records moved to the dead-letter partition.
	RecordsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watcher_records_dead_lettered_total",
		Help: "Records moved to the dead-letter partition, by reason class.",
	}, []string{"reason"})

	// RecordsIngested counts records read from the NDJSON source.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watcher_records_ingested_total",
		Help: "Records consumed from the ingestion source, by outcome.",
	}, []string{"outcome"})

	// RecordsRecovered counts stale in-flight records returned to the queue.
	RecordsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_records_recovered_total",
		Help: "Stale in-flight records recovered back to queued state.",
	})

	// SendDuration observes the latency of delivery attempts.
	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watcher_send_duration_seconds",
		Help:    "Latency of HTTP delivery attempts.",
		Buckets: prometheus.DefBuckets,
	})

	// CircuitBreakerState reports the breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "watcher_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	// CircuitBreakerTransitions counts breaker state transitions.
	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watcher_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})
)
