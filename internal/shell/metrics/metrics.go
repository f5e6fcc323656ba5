// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webtop"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	operations     *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec

	workloadsRegistered prometheus.Gauge
	workloadsRunning    prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),

		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by outcome",
		}, []string{"operation", "outcome"}),

		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_runs_finished_total",
			Help:      "Finished run scripts by result",
		}, []string{"result"}),

		workloadsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workloads_registered",
			Help:      "Workload directories present in the registry",
		}),

		workloadsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workloads_running",
			Help:      "Registered workloads whose container is running",
		}),
	}

	m.registry.MustRegister(
		m.requestTotal,
		m.requestLatency,
		m.operations,
		m.runsFinished,
		m.workloadsRegistered,
		m.workloadsRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// ObserveOperation counts a lifecycle operation outcome ("success", "error", ...).
func (m *Metrics) ObserveOperation(operation, outcome string) {
	m.operations.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}

// ObserveRunFinished counts a finished run script.
func (m *Metrics) ObserveRunFinished(exitCode int) {
	result := "success"
	if exitCode != 0 {
		result = "failure"
	}
	m.runsFinished.With(prometheus.Labels{"result": result}).Inc()
}

// SetWorkloads updates the registry gauges.
func (m *Metrics) SetWorkloads(registered, running int) {
	m.workloadsRegistered.Set(float64(registered))
	m.workloadsRunning.Set(float64(running))
}
