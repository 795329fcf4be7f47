package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/flotilla/internal/sessioncache"
)

// Metrics provides a centralized interface for collecting fleet metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Connection counts by lifecycle state for capacity planning
//   - Reconnect attempts categorized by disconnect cause
//   - Session cache effectiveness (hits, misses, rejections)
//   - This instance's assignment load
//   - Registry heartbeat latency against the coordination store
type Metrics struct {
	// ConnectionsByState is a gauge of live agent connections per state.
	// Labels: state (connecting|pairing_pending|connected|reconnecting)
	ConnectionsByState *prometheus.GaugeVec

	// ReconnectCounter counts reconnect attempts by classified cause.
	// Labels: cause (fatal_auth|session_conflict|pre_auth|transport|unknown)
	ReconnectCounter *prometheus.CounterVec

	// DisconnectCounter counts disconnects by classified cause.
	// Labels: cause
	DisconnectCounter *prometheus.CounterVec

	// HeartbeatDuration measures registry heartbeat round-trips in seconds.
	// Buckets: 1ms to 5s
	HeartbeatDuration prometheus.Histogram

	// PairingCounter counts pairing artifacts issued.
	PairingCounter prometheus.Counter

	// ReconcilePassDuration measures reconciliation pass time in seconds.
	ReconcilePassDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsByState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flotilla_connections",
				Help: "Number of live agent connections by lifecycle state",
			},
			[]string{"state"},
		),

		ReconnectCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_reconnect_attempts_total",
				Help: "Total reconnect attempts by classified disconnect cause",
			},
			[]string{"cause"},
		),

		DisconnectCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flotilla_disconnects_total",
				Help: "Total disconnects by classified cause",
			},
			[]string{"cause"},
		),

		HeartbeatDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_heartbeat_duration_seconds",
				Help:    "Registry heartbeat round-trip time in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		PairingCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "flotilla_pairing_artifacts_total",
				Help: "Total pairing artifacts issued to end users",
			},
		),

		ReconcilePassDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flotilla_reconcile_duration_seconds",
				Help:    "Reconciliation pass time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
	}
}

// RegisterCacheStats exposes session cache counters as collectors that read
// the cache's own atomic counters on scrape.
func (m *Metrics) RegisterCacheStats(stats func() sessioncache.Stats) {
	counter := func(name, help string, value func(sessioncache.Stats) uint64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(value(stats())) })
	}
	counter("flotilla_session_cache_hits_total",
		"Session cache lookups served from the store",
		func(s sessioncache.Stats) uint64 { return s.Hits })
	counter("flotilla_session_cache_misses_total",
		"Session cache lookups that fell through, including degraded errors",
		func(s sessioncache.Stats) uint64 { return s.Misses })
	counter("flotilla_session_cache_sets_total",
		"Session cache writes accepted",
		func(s sessioncache.Stats) uint64 { return s.Sets })
	counter("flotilla_session_cache_rejections_total",
		"Session cache writes rejected for exceeding the size cap",
		func(s sessioncache.Stats) uint64 { return s.Rejections })
	counter("flotilla_session_cache_errors_total",
		"Session cache store or codec errors, all degraded to misses",
		func(s sessioncache.Stats) uint64 { return s.Errors })
}

// RegisterAssignedGauge exposes the number of agents this instance owns.
func (m *Metrics) RegisterAssignedGauge(assigned func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flotilla_assigned_agents",
		Help: "Agents currently assigned to this instance",
	}, func() float64 { return float64(assigned()) })
}
