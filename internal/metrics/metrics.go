// Package metrics exposes the core's Prometheus counters and
// histograms. Grounded on the teacher's internal/monitoring
// (MonitoringSystem's live counters/latency buckets/error tracking) but
// rebuilt on github.com/prometheus/client_golang instead of the
// teacher's hand-rolled maps+mutex, since a real metrics library is
// available in the pack and a scrape endpoint is the idiomatic way to
// expose exactly this kind of data.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter/histogram the core publishes. One
// instance is constructed per process and exposed for scraping; no
// component constructor takes it, so nothing records into these series.
type Registry struct {
	LedgerOpsTotal      *prometheus.CounterVec
	LedgerOpDuration    *prometheus.HistogramVec
	JobClaimsTotal      *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	WSConnectionsActive prometheus.Gauge
	WSFramesTotal       *prometheus.CounterVec
	LLMRequestsTotal    *prometheus.CounterVec
	LLMTokensTotal      *prometheus.CounterVec
	PolicyDenialsTotal  *prometheus.CounterVec
}

// New registers every metric against reg (use prometheus.NewRegistry()
// for tests, prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		LedgerOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "ledger", Name: "ops_total",
			Help: "Ledger operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		LedgerOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "charhub", Subsystem: "ledger", Name: "op_duration_seconds",
			Help:    "Ledger operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		JobClaimsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "jobengine", Name: "claims_total",
			Help: "Job claims by job type and outcome.",
		}, []string{"type", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "charhub", Subsystem: "jobengine", Name: "run_duration_seconds",
			Help:    "Job run latency from claim to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		WSConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "charhub", Subsystem: "sessionhub", Name: "connections_active",
			Help: "Currently connected WebSocket sockets.",
		}),
		WSFramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "sessionhub", Name: "frames_total",
			Help: "WebSocket frames by event type and direction.",
		}, []string{"event", "direction"}),
		LLMRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "llmbroker", Name: "requests_total",
			Help: "LLM requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "llmbroker", Name: "tokens_total",
			Help: "Tokens consumed by provider and direction (input/output).",
		}, []string{"provider", "direction"}),
		PolicyDenialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "charhub", Subsystem: "policygate", Name: "denials_total",
			Help: "Authorize() denials by reason code.",
		}, []string{"reason"}),
	}
}
