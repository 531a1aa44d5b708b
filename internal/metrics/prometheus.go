// Package metrics exposes optimizer and HTTP instrumentation via Prometheus.
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

// Recorder implements optimization.Observer using Prometheus. Each Recorder
// owns its registry.
type Recorder struct {
	registry        *prometheus.Registry
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	frontierGaps    prometheus.Counter
	regularizations prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpt_optimizations_total",
				Help: "Total number of optimizer operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpt_operation_duration_seconds",
				Help:    "Duration of optimizer operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		frontierGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "mpt_frontier_gaps_total",
			Help: "Frontier targets skipped as infeasible or diverged",
		}),
		regularizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "mpt_covariance_regularizations_total",
			Help: "Covariance estimates that needed ridge loading",
		}),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpt_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// ObserveOperation records an operation outcome and its latency.
func (r *Recorder) ObserveOperation(operation, outcome string, duration time.Duration) {
	r.operations.WithLabelValues(operation, outcome).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveFrontierGaps adds skipped frontier targets.
func (r *Recorder) ObserveFrontierGaps(count int) {
	if count > 0 {
		r.frontierGaps.Add(float64(count))
	}
}

// ObserveRegularization counts a ridge-loaded covariance.
func (r *Recorder) ObserveRegularization() {
	r.regularizations.Inc()
}

// RecordHTTPRequest counts a served request.
func (r *Recorder) RecordHTTPRequest(method, route string, status int) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
