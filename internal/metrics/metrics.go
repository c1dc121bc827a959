// Package metrics exposes Prometheus collectors for the event hub, the
// pipeline and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-ocr/internal/process"
	"github.com/tendant/simple-ocr/pkg/schema"
)

const namespace = "ocr"

// Metrics implements broadcast.Metrics and pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	subscribers     prometheus.Gauge
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter

	stageDuration *prometheus.HistogramVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscribers",
			Help: "Live event stream subscribers.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Log events published to the hub.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Log events discarded for a lagging subscriber or lost on a failed send.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "jobs_total",
			Help: "Finished pipeline runs.",
		}, []string{"status", "degraded"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "job_duration_seconds",
			Help:    "Duration of whole pipeline runs.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.subscribers, m.eventsPublished, m.eventsDropped,
		m.stageDuration, m.jobsTotal, m.jobDuration,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }
func (m *Metrics) EventPublished()      { m.eventsPublished.Inc() }
func (m *Metrics) EventDropped()        { m.eventsDropped.Inc() }

func (m *Metrics) StageFinished(stage schema.ProcessingStage, outcome string, d time.Duration) {
	m.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

func (m *Metrics) JobFinished(status process.JobStatus, degraded bool, d time.Duration) {
	m.jobsTotal.WithLabelValues(string(status), strconv.FormatBool(degraded)).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
