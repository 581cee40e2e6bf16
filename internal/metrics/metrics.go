// Package metrics provides the Prometheus instrumentation for the queue
// manager, the gateway, and the proxy's connector health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the process's Prometheus registry and every instrument
// a component needs, constructed once at startup and passed down like
// the other process-wide context objects.
type Registry struct {
	reg *prometheus.Registry

	QueueWaitMs       *prometheus.HistogramVec
	UpstreamLatencyMs *prometheus.HistogramVec
	QueueRejections   *prometheus.CounterVec

	GatewayRequests     *prometheus.CounterVec
	GatewayLatencyMs    *prometheus.HistogramVec
	GatewayAuthFailures *prometheus.CounterVec

	ConnectorHealthy  *prometheus.GaugeVec
	ConnectorToolCount *prometheus.GaugeVec
}

// New builds a Registry with every instrument registered against a fresh
// prometheus.Registry (not the global default, so tests and multiple
// proxy/gateway instances in one process don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		QueueWaitMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proofscan",
			Subsystem: "queue",
			Name:      "wait_ms",
			Help:      "Time a request spent waiting in a connector's queue before execution started.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"connector"}),
		UpstreamLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proofscan",
			Subsystem: "queue",
			Name:      "upstream_latency_ms",
			Help:      "Time a connector's backend took to respond once execution started.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"connector"}),
		QueueRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofscan",
			Subsystem: "queue",
			Name:      "rejections_total",
			Help:      "Requests rejected by a connector's queue, by reason.",
		}, []string{"connector", "reason"}),

		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofscan",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by connector and outcome (ok or error).",
		}, []string{"connector", "status"}),
		GatewayLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proofscan",
			Subsystem: "gateway",
			Name:      "latency_ms",
			Help:      "Total gateway request latency, including queue wait.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"connector"}),
		GatewayAuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofscan",
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Gateway authentication/authorization failures by deny reason.",
		}, []string{"reason"}),

		ConnectorHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proofscan",
			Subsystem: "proxy",
			Name:      "connector_healthy",
			Help:      "1 if the proxy's last interaction with a connector succeeded, else 0.",
		}, []string{"connector"}),
		ConnectorToolCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proofscan",
			Subsystem: "proxy",
			Name:      "connector_tool_count",
			Help:      "Number of tools the proxy last saw advertised by a connector.",
		}, []string{"connector"}),
	}

	reg.MustRegister(
		r.QueueWaitMs, r.UpstreamLatencyMs, r.QueueRejections,
		r.GatewayRequests, r.GatewayLatencyMs, r.GatewayAuthFailures,
		r.ConnectorHealthy, r.ConnectorToolCount,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
