// Package metrics exposes this engine's Prometheus collectors: module
// invocation counts and latency, bundle/gate build counts, and the
// number of currently live gate connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Collectors bundles every metric this engine records. The zero value
// is not usable; construct with New.
type Collectors struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	policyDenialsTotal *prometheus.CounterVec
	bundleBuildsTotal  prometheus.Counter
	gateBuildsTotal    prometheus.Counter
	gateConnections    prometheus.Gauge
	replayHitsTotal    prometheus.Counter
}

// New creates a Collectors instance registered under namespace (e.g.
// "ftl"), along with the standard Go/process collectors the way the
// pack's own Prometheus setup always includes them.
func New(namespace string) *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of module invocations.",
		}, []string{"module", "host", "status"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Module invocation duration in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"module"}),
		policyDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total number of invocations denied by policy.",
		}, []string{"module", "rule"}),
		bundleBuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_builds_total",
			Help:      "Total number of module bundles built (cache misses only).",
		}),
		gateBuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_builds_total",
			Help:      "Total number of gate archives built (cache misses only).",
		}),
		gateConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_connections_active",
			Help:      "Number of currently live gate connections.",
		}),
		replayHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_hits_total",
			Help:      "Total number of invocations short-circuited by audit replay.",
		}),
	}

	registry.MustRegister(
		c.invocationsTotal,
		c.invocationDuration,
		c.policyDenialsTotal,
		c.bundleBuildsTotal,
		c.gateBuildsTotal,
		c.gateConnections,
		c.replayHitsTotal,
	)
	return c
}

// RecordInvocation records one completed invocation's outcome and
// duration.
func (c *Collectors) RecordInvocation(module, host string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.invocationsTotal.WithLabelValues(module, host, status).Inc()
	c.invocationDuration.WithLabelValues(module).Observe(durationSeconds)
}

// RecordPolicyDenial records one invocation rejected by the policy engine.
func (c *Collectors) RecordPolicyDenial(module, rule string) {
	c.policyDenialsTotal.WithLabelValues(module, rule).Inc()
}

// RecordBundleBuild records one bundle cache miss.
func (c *Collectors) RecordBundleBuild() { c.bundleBuildsTotal.Inc() }

// RecordGateBuild records one gate archive cache miss.
func (c *Collectors) RecordGateBuild() { c.gateBuildsTotal.Inc() }

// RecordReplayHit records one invocation short-circuited by replay.
func (c *Collectors) RecordReplayHit() { c.replayHitsTotal.Inc() }

// SetGateConnections updates the live gate connection gauge.
func (c *Collectors) SetGateConnections(n int) { c.gateConnections.Set(float64(n)) }

// Handler returns the HTTP handler that serves this registry in the
// Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
