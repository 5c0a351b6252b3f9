// Package metrics exposes the oracle's Prometheus collectors: HTTP traffic,
// readings per phrase, stick readings and dispatcher outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "Fortune-Oracle/internal/errors"
)

const namespace = "oracle"

// Metrics bundles the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	readings     *prometheus.CounterVec
	sticks       *prometheus.CounterVec
	envelopes    *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Fortune readings produced, by selected phrase index and source.",
		}, []string{"phrase_index", "source"}),
		sticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stick_readings_total",
			Help:      "Three-stick readings produced, by category and whether the fallback was used.",
		}, []string{"category", "degraded"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Envelopes consumed by the dispatcher, by schema and outcome.",
		}, []string{"schema", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
		m.readings,
		m.sticks,
		m.envelopes,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveReading counts one fortune reading.
func (m *Metrics) ObserveReading(phraseIndex int, source string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(strconv.Itoa(phraseIndex), source).Inc()
}

// ObserveStickReading counts one three-stick reading.
func (m *Metrics) ObserveStickReading(category string, degraded bool) {
	if m == nil {
		return
	}
	m.sticks.WithLabelValues(category, strconv.FormatBool(degraded)).Inc()
}

// Handled implements messaging.Observer.
func (m *Metrics) Handled(schema string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(schema, "ok").Inc()
}

// Failed implements messaging.Observer.
func (m *Metrics) Failed(schema string, code xerrors.Code) {
	if m == nil {
		return
	}
	if schema == "" {
		schema = "undecodable"
	}
	m.envelopes.WithLabelValues(schema, string(code)).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
