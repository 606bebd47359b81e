// Package services – Prometheus collectors for pool and conversation events.
//
// Label sets are small and fixed: lease status, error class, summary source.
// Nothing is labelled by user or key.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// leasesTotal counts credential leases handed out, by lease status.
	leasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_leases_total",
			Help: "Credential leases by status (existing, assigned, reassigned).",
		},
		[]string{"status"},
	)

	// exhaustedTotal counts requests refused because the pool was full.
	exhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_capacity_exhausted_total",
			Help: "Requests refused because every active credential was at capacity.",
		},
	)

	// revocationsTotal counts credentials taken out of rotation by upstream failures.
	revocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_revocations_total",
			Help: "Credential failures reported to the allocator.",
		},
	)

	// upstreamErrors counts failed upstream calls by class.
	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed upstream calls by class (revoked, transient, rejected, empty, canceled).",
		},
		[]string{"class"},
	)

	// upstreamLatency records the duration of successful generation calls.
	upstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_generate_duration_seconds",
			Help:    "Duration of successful upstream generation calls.",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// summariesTotal counts window compressions by summarizer outcome.
	summariesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "window_summaries_total",
			Help: "Window summaries by source (upstream, fallback).",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(leasesTotal, exhaustedTotal, revocationsTotal, upstreamErrors, upstreamLatency, summariesTotal)
}
