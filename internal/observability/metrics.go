package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the vault's Prometheus collectors.
type Metrics struct {
	// --- Invocation processing ---
	InvocationsApplied  *prometheus.CounterVec
	InvocationsRejected *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	Sequence            prometheus.Gauge

	// --- Valuation ---
	NativePrice *prometheus.GaugeVec
	NAV         *prometheus.GaugeVec

	// --- Venue ---
	OrdersPlaced  *prometheus.CounterVec
	VenueCalls    *prometheus.CounterVec
	VenueDuration *prometheus.HistogramVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Pipeline ---
	IngestMalformed prometheus.Counter
	PublishFailures prometheus.Counter
	PublishDrops    prometheus.Counter
	PersistDuration prometheus.Histogram
	QueryRequests   *prometheus.CounterVec
}

// NewMetrics registers every collector on reg. Use prometheus.DefaultRegisterer
// in daemons and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		InvocationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_invocations_applied_total",
			Help: "Invocations committed, by instruction.",
		}, []string{"instruction"}),
		InvocationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_invocations_rejected_total",
			Help: "Invocations aborted, by instruction and error code.",
		}, []string{"instruction", "code"}),
		InvocationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_invocation_duration_seconds",
			Help:    "Wall time of one invocation including venue calls.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"instruction"}),
		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_sequence",
			Help: "Sequence of the last committed invocation.",
		}),

		NativePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_native_price",
			Help: "Last computed native price per leverage token mint.",
		}, []string{"mint"}),
		NAV: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_nav_quote_native",
			Help: "Last computed net asset value per leverage token mint.",
		}, []string{"mint"}),

		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_orders_placed_total",
			Help: "Rebalance orders sent to the venue, by side.",
		}, []string{"side"}),
		VenueCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_venue_calls_total",
			Help: "Venue calls by operation and result.",
		}, []string{"op", "result"}),
		VenueDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_venue_call_duration_seconds",
			Help:    "Latency of venue calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Redelivered invocations skipped, by lookup tier.",
		}, []string{"tier"}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache.",
		}),

		IngestMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_ingest_malformed_total",
			Help: "Inbound messages terminated because they did not parse.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_failures_total",
			Help: "Outbound envelopes the broker did not accept.",
		}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound envelopes dropped because the publish channel was full.",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_commit_duration_seconds",
			Help:    "Latency of committing one invocation's write set.",
			Buckets: prometheus.DefBuckets,
		}),
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query API requests by route and status.",
		}, []string{"route", "status"}),
	}
}
