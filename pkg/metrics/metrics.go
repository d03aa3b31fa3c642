// Package metrics defines the Prometheus metric collectors used by the
// partitioning service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing, which keeps tests and the CLI free of a registry.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	ActiveRuns           prometheus.Gauge
	PartitionsEmitted    prometheus.Counter
	PartitionBytes       prometheus.Histogram
	PublishesTotal       *prometheus.CounterVec
	BoundaryWarnings     *prometheus.CounterVec
	ProbeBytesRead       prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry() in
// tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partition_runs_total",
				Help: "Partitioning runs by terminal status (completed, aborted, skipped) and reason.",
			},
			[]string{"status", "reason"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partition_run_duration_seconds",
				Help:    "Wall-clock duration of partitioning runs.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "partition_runs_active",
				Help: "Number of partitioning runs currently executing.",
			},
		),
		PartitionsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "partitions_emitted_total",
				Help: "Total partition descriptors handed to the publish sink.",
			},
		),
		PartitionBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "partition_size_bytes",
				Help:    "Size of emitted partitions in bytes.",
				Buckets: prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
		),
		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partition_publishes_total",
				Help: "Partition publish attempts by result (acked, rejected, failed).",
			},
			[]string{"result"},
		),
		BoundaryWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partition_boundary_warnings_total",
				Help: "Degraded partition boundaries by kind (not_found, probe_failed).",
			},
			[]string{"kind"},
		),
		ProbeBytesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "boundary_probe_bytes_read_total",
				Help: "Bytes fetched from object storage while searching for record boundaries.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.PartitionsEmitted,
		m.PartitionBytes,
		m.PublishesTotal,
		m.BoundaryWarnings,
		m.ProbeBytesRead,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveRun records a terminal run.
func (m *Metrics) ObserveRun(status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status, reason).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RunStarted and RunFinished track the active-runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// PartitionEmitted records one descriptor of the given byte length.
func (m *Metrics) PartitionEmitted(size int64) {
	if m == nil {
		return
	}
	m.PartitionsEmitted.Inc()
	m.PartitionBytes.Observe(float64(size))
}

// PublishResult records the outcome of one publish: "acked", "rejected"
// (refused synchronously) or "failed" (negative delivery report).
func (m *Metrics) PublishResult(result string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(result).Inc()
}

// BoundaryWarning records a degraded boundary.
func (m *Metrics) BoundaryWarning(kind string) {
	if m == nil {
		return
	}
	m.BoundaryWarnings.WithLabelValues(kind).Inc()
}

// ProbeRead records bytes fetched by a boundary probe.
func (m *Metrics) ProbeRead(n int) {
	if m == nil {
		return
	}
	m.ProbeBytesRead.Add(float64(n))
}

// BreakerState publishes a circuit breaker's numeric state.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
