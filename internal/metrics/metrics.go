package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powgate_gate_decision_total",
			Help: "Count of gate decisions (allow/challenge/error) by reason",
		},
		[]string{"action", "reason"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "powgate_gate_duration_seconds",
			Help:    "Latency of the gate decision, including challenge rendering",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)
	ChallengeIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "powgate_challenge_issued_total",
			Help: "Challenges issued and rendered",
		},
	)
	ChallengeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powgate_challenge_errors_total",
			Help: "Challenge issuance or rendering failures",
		},
		[]string{"stage"},
	)
	ProxyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powgate_proxy_duration_seconds",
			Help:    "Upstream round trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powgate_proxy_errors_total",
			Help: "Upstream proxy errors by type",
		},
		[]string{"origin", "type"},
	)
	ProxyCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powgate_proxy_cache_ops_total",
			Help: "Reverse proxy cache operations (hit/miss/eviction)",
		},
		[]string{"op"},
	)
	ProxyCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "powgate_proxy_circuit_state",
			Help: "Circuit breaker state per origin (0=closed, 1=open, 2=half-open)",
		},
		[]string{"origin"},
	)
	ProxyCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powgate_proxy_circuit_transitions_total",
			Help: "Circuit breaker state transitions per origin",
		},
		[]string{"origin", "from", "to"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "powgate_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		GateDecision, GateDuration, ChallengeIssued, ChallengeErrors,
		ProxyLatency, ProxyErrors, ProxyCacheOps, ProxyCircuitState, ProxyCircuitTransitions,
		BuildInfo,
	)
	BuildInfo.Set(1)
}
