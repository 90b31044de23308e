// Package metrics holds the Prometheus collectors shared by the relay components.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "installrelay"

// Fetch results.
const (
	FetchHit   = "hit"
	FetchMiss  = "miss"
	FetchError = "error"
)

// Background task results.
const (
	TaskCompleted = "completed"
	TaskDropped   = "dropped"
	TaskPanicked  = "panicked"
)

// Metrics holds all collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal        *prometheus.CounterVec
	SLOTotal                 *prometheus.CounterVec
	FetchTotal               *prometheus.CounterVec
	FetchDuration            prometheus.Histogram
	CounterIncrementFailures *prometheus.CounterVec
	BackgroundTasksTotal     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "status"}),
		SLOTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slo_total",
			Help:      "Requests evaluated against their SLO latency target.",
		}, []string{"class", "status"}),
		FetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Upstream fetches, by cache result.",
		}, []string{"result"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of upstream fetches that missed the cache.",
			Buckets:   prometheus.DefBuckets,
		}),
		CounterIncrementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_increment_failures_total",
			Help:      "Usage counter increments that failed and were dropped.",
		}, []string{"counter"}),
		BackgroundTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Fire-and-forget tasks, by outcome.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts a served request.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveSLO counts a request's SLO outcome.
func (m *Metrics) ObserveSLO(class, status string) {
	if m == nil {
		return
	}
	m.SLOTotal.WithLabelValues(class, status).Inc()
}

// ObserveFetch counts an upstream fetch. Duration is recorded only for misses and errors.
func (m *Metrics) ObserveFetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(result).Inc()
	if result != FetchHit {
		m.FetchDuration.Observe(d.Seconds())
	}
}

// IncrementFailed counts a dropped counter increment.
func (m *Metrics) IncrementFailed(counter string) {
	if m == nil {
		return
	}
	m.CounterIncrementFailures.WithLabelValues(counter).Inc()
}

// ObserveTask counts a background task outcome.
func (m *Metrics) ObserveTask(result string) {
	if m == nil {
		return
	}
	m.BackgroundTasksTotal.WithLabelValues(result).Inc()
}
