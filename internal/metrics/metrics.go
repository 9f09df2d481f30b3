// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Challenge metrics
	ChallengesServed  *prometheus.CounterVec
	VerifyAttempts    *prometheus.CounterVec
	VerifyDuration    prometheus.Histogram

	// Admission metrics
	ValidateRequests *prometheus.CounterVec
	CircuitsBanned   prometheus.Counter
	CircuitsLocked   prometheus.Counter

	// Ammo pool metrics
	AmmoFillPercent prometheus.Gauge
	AmmoPoolMisses  prometheus.Counter
	AmmoGenerated   prometheus.Counter

	// Cluster metrics
	GossipPeersHealthy prometheus.Gauge
	NodeIsolated       prometheus.Gauge
	HandoffsMinted     prometheus.Counter

	// System metrics
	ThreatLevel prometheus.Gauge
	CPULoad     prometheus.Gauge
}

// New creates the gateway metrics on the default registry
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the gateway metrics on a specific registerer
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChallengesServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortify_challenges_served_total",
				Help: "Total CAPTCHA challenges served",
			},
			[]string{"difficulty", "source"}, // source: pool, inline
		),

		VerifyAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortify_verify_attempts_total",
				Help: "Total CAPTCHA verification attempts",
			},
			[]string{"outcome"}, // outcome: success, wrong_answer, expired
		),

		VerifyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fortify_verify_duration_seconds",
				Help:    "Duration of verification requests",
				Buckets: prometheus.DefBuckets,
			},
		),

		ValidateRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortify_validate_requests_total",
				Help: "Total passport validation requests from the edge proxy",
			},
			[]string{"result"}, // result: ok, invalid, banned, rate_limited
		),

		CircuitsBanned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fortify_circuits_banned_total",
				Help: "Total circuits banned",
			},
		),

		CircuitsLocked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fortify_circuits_softlocked_total",
				Help: "Total circuits soft-locked for repeated failures",
			},
		),

		AmmoFillPercent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortify_ammo_fill_percent",
				Help: "Pre-generated challenge pool fill level (0-100)",
			},
		),

		AmmoPoolMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fortify_ammo_pool_misses_total",
				Help: "Challenge requests that missed the pool and generated inline",
			},
		),

		AmmoGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fortify_ammo_generated_total",
				Help: "Total challenges pre-generated into the pool",
			},
		),

		GossipPeersHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortify_gossip_peers_healthy",
				Help: "Number of cluster peers currently considered healthy",
			},
		),

		NodeIsolated: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortify_node_isolated",
				Help: "Whether this node considers itself isolated (1) or connected (0)",
			},
		),

		HandoffsMinted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fortify_handoffs_minted_total",
				Help: "Total cross-node handoff tokens minted",
			},
		),

		ThreatLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortify_threat_level",
				Help: "Current threat dial position (0-10)",
			},
		),

		CPULoad: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortify_cpu_load_percent",
				Help: "Sampled CPU load (0-100)",
			},
		),
	}
}

// RecordChallenge records a served challenge
func (m *Metrics) RecordChallenge(difficulty string, fromPool bool) {
	source := "inline"
	if fromPool {
		source = "pool"
	}
	m.ChallengesServed.WithLabelValues(difficulty, source).Inc()
}

// RecordVerify records a verification outcome
func (m *Metrics) RecordVerify(outcome string, duration float64) {
	m.VerifyAttempts.WithLabelValues(outcome).Inc()
	m.VerifyDuration.Observe(duration)
}

// RecordValidate records an edge validation result
func (m *Metrics) RecordValidate(result string) {
	m.ValidateRequests.WithLabelValues(result).Inc()
}

// UpdateClusterState updates the gossip gauges
func (m *Metrics) UpdateClusterState(healthyPeers int, isolated bool) {
	m.GossipPeersHealthy.Set(float64(healthyPeers))
	v := 0.0
	if isolated {
		v = 1.0
	}
	m.NodeIsolated.Set(v)
}
