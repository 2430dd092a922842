package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the capture process.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	chunksTotal      prometheus.Counter
	bytesTotal       prometheus.Counter
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	fatalTotal       *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

// New creates and registers Prometheus metrics for the capture process.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videox_http_requests_total",
		Help: "Total number of status HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videox_http_errors_total",
		Help: "Total number of status HTTP responses with error status (4xx or 5xx)",
	})
	chunksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videox_chunks_total",
		Help: "Total number of appended segments relayed from pages",
	})
	bytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videox_bytes_total",
		Help: "Total number of decoded payload bytes relayed from pages",
	})
	sessionsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "videox_sessions_started_total",
		Help: "Total number of capture sessions started",
	})
	sessionsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videox_sessions_finished_total",
		Help: "Total number of capture sessions finished, by result",
	}, []string{"result"})
	fatalTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "videox_fatal_errors_total",
		Help: "Total number of fatal capture errors, by kind",
	}, []string{"kind"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "videox_active_sessions",
		Help: "Number of capture sessions currently in progress",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		chunksTotal,
		bytesTotal,
		sessionsStarted,
		sessionsFinished,
		fatalTotal,
		activeSessions,
	)

	return &Metrics{
		registry:         registry,
		requestsTotal:    requestsTotal,
		errorsTotal:      errorsTotal,
		chunksTotal:      chunksTotal,
		bytesTotal:       bytesTotal,
		sessionsStarted:  sessionsStarted,
		sessionsFinished: sessionsFinished,
		fatalTotal:       fatalTotal,
		activeSessions:   activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// AddChunk records one relayed chunk of n bytes.
func (m *Metrics) AddChunk(n int) {
	m.chunksTotal.Inc()
	m.bytesTotal.Add(float64(n))
}

// SessionStarted increments the started counter and the active gauge.
func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// SessionFinished decrements the active gauge and counts the session under
// result ("ok" or "error").
func (m *Metrics) SessionFinished(result string) {
	m.activeSessions.Dec()
	m.sessionsFinished.WithLabelValues(result).Inc()
}

// IncFatal counts a fatal error of the given kind.
func (m *Metrics) IncFatal(kind string) {
	m.fatalTotal.WithLabelValues(kind).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
