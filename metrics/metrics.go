// Package metrics exposes Prometheus instrumentation for the HTTP server,
// the pub/sub broker and the lifecycle driver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metric set. A nil *Metrics is a valid no-op
// receiver, so instrumentation points need no guards.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
	listenActive    prometheus.Gauge
	transitions     *prometheus.CounterVec
}

// New creates the metric set on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelci_api_http_requests_total",
			Help: "HTTP requests served, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernelci_api_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelci_api_events_published_total",
			Help: "Events appended to the event history, by channel.",
		}, []string{"channel"}),
		listenActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernelci_api_listen_active",
			Help: "Listen long-polls currently in flight.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelci_api_node_transitions_total",
			Help: "Node state transitions recorded, by target state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.eventsPublished,
		m.listenActive,
		m.transitions,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format. On a nil
// receiver it serves an empty page.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// EventPublished counts an event appended on channel.
func (m *Metrics) EventPublished(channel string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(channel).Inc()
}

// ListenStarted marks a Listen long-poll in flight.
func (m *Metrics) ListenStarted() {
	if m == nil {
		return
	}
	m.listenActive.Inc()
}

// ListenFinished marks a Listen long-poll completed.
func (m *Metrics) ListenFinished() {
	if m == nil {
		return
	}
	m.listenActive.Dec()
}

// NodeTransition counts a lifecycle transition into state.
func (m *Metrics) NodeTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}
