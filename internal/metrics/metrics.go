package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_gate_decision_total",
			Help: "Gate decisions by action (allow/redirect) and reason",
		},
		[]string{"action", "reason"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botgate_gate_duration_seconds",
			Help:    "Latency of a gate decision including the settings read",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
	ChallengeRendered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_challenge_rendered_total",
			Help: "Challenge pages rendered with a fresh token",
		},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_rate_limit_hits_total",
			Help: "Requests refused by a per-address guard",
		},
		[]string{"endpoint"},
	)
	SettingsErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_settings_errors_total",
			Help: "Settings store failures by operation",
		},
		[]string{"op"},
	)
	SettingsUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botgate_settings_updates_total",
			Help: "Successful administrative settings updates",
		},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botgate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botgate_proxy_errors_total",
			Help: "Upstream proxy failures by type",
		},
		[]string{"error_type"},
	)
	ProxyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botgate_proxy_duration_seconds",
			Help:    "Upstream round trip latency",
			Buckets: prometheus.DefBuckets,
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "botgate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

// All lists every collector, for registering into a custom registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		GateDecision, GateDuration, ChallengeRendered, RateLimitHits,
		SettingsErrors, SettingsUpdates, BreakerState, BreakerTransitions,
		ProxyErrors, ProxyLatency, BuildInfo,
	}
}

func MustRegister() {
	prometheus.MustRegister(All()...)
	BuildInfo.Set(1)
}
