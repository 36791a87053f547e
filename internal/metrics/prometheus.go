package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtsp_core"

// Metrics contains all Prometheus metrics for the connection core
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AcceptErrors        prometheus.Counter
	Teardowns           *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram

	// Liveness metrics
	SoftNotices   prometheus.Counter
	StatusReports prometheus.Counter
	SweepDuration prometheus.Histogram

	// Worker metrics
	ActiveWorkers       prometheus.Gauge
	WorkersSpawned      prometheus.Counter
	WorkerSpawnFailures prometheus.Counter
	WorkersReaped       *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of admitted connections",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of admitted connections",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of connections closed at the admission cap",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accept calls",
		}),
		Teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Total number of connection teardowns by reason",
		}, []string{"reason"}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of torn down connections",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),

		// Liveness metrics
		SoftNotices: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_notices_total",
			Help:      "Total number of soft-teardown notices sent",
		}),
		StatusReports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Total number of status reports sent",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "liveness_sweep_duration_seconds",
			Help:      "Time spent in one liveness sweep",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),

		// Worker metrics
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Current number of running worker processes",
		}),
		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total number of worker processes started",
		}),
		WorkerSpawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Total number of worker processes that failed to start",
		}),
		WorkersReaped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_reaped_total",
			Help:      "Total number of reaped worker processes",
		}, []string{"exit"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry all metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAccepted records an admitted connection
func (m *Metrics) RecordAccepted(active int) {
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Set(float64(active))
}

// RecordRejected records a connection closed at the cap
func (m *Metrics) RecordRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordAcceptError records a failed accept
func (m *Metrics) RecordAcceptError() {
	m.AcceptErrors.Inc()
}

// RecordTeardown records a completed teardown
func (m *Metrics) RecordTeardown(reason string, active int, durationSeconds float64) {
	m.Teardowns.WithLabelValues(reason).Inc()
	m.ActiveConnections.Set(float64(active))
	m.ConnectionDuration.Observe(durationSeconds)
}

// SetActiveConnections sets the admitted connection gauge
func (m *Metrics) SetActiveConnections(active int) {
	m.ActiveConnections.Set(float64(active))
}

// RecordSoftNotice increments the soft notice counter
func (m *Metrics) RecordSoftNotice() {
	m.SoftNotices.Inc()
}

// RecordStatusReport increments the status report counter
func (m *Metrics) RecordStatusReport() {
	m.StatusReports.Inc()
}

// RecordSweep observes the duration of one liveness sweep
func (m *Metrics) RecordSweep(durationSeconds float64) {
	m.SweepDuration.Observe(durationSeconds)
}

// RecordWorkerSpawned increments the spawned worker counter
func (m *Metrics) RecordWorkerSpawned() {
	m.WorkersSpawned.Inc()
}

// RecordWorkerSpawnFailed increments the failed spawn counter
func (m *Metrics) RecordWorkerSpawnFailed() {
	m.WorkerSpawnFailures.Inc()
}

// RecordWorkerReaped counts a reaped worker by how it exited
func (m *Metrics) RecordWorkerReaped(clean bool) {
	exit := "crash"
	if clean {
		exit = "clean"
	}
	m.WorkersReaped.WithLabelValues(exit).Inc()
}

// SetActiveWorkers sets the running worker gauge
func (m *Metrics) SetActiveWorkers(n int) {
	m.ActiveWorkers.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
