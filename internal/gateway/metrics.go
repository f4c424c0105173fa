package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "clawgate"

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	frames   *prometheus.CounterVec
	webhooks *prometheus.CounterVec
}

// NewMetrics creates the registry with Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_frames_total",
			Help:      "RPC requests handled, by method and outcome (ok or error code).",
		}, []string{"method", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook posts, by platform and outcome.",
		}, []string{"platform", "outcome"}),
	}
	reg.MustRegister(m.frames, m.webhooks)
	return m
}

// ObserveFrame counts one handled request.
func (m *Metrics) ObserveFrame(method, outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(method, outcome).Inc()
}

// ObserveWebhook counts one webhook post.
func (m *Metrics) ObserveWebhook(platform, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(platform, outcome).Inc()
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter sampled from a monotonic fn.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
