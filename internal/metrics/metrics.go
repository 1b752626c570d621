// Package metrics exposes Prometheus instrumentation for the controller
// (§13 observability surface): job lifecycle counters, bind latency,
// template cache effectiveness, physical-data pressure, and worker loss.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the controller records. All fields are
// safe for concurrent use, as prometheus client instruments already are.
type Collector struct {
	jobsSpawned   prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter

	bindLatency prometheus.Histogram

	templateInstantiations *prometheus.CounterVec
	templateCacheHits      *prometheus.CounterVec

	pdiEvictions prometheus.Counter
	pdiPinned    prometheus.Gauge

	rewindDuration prometheus.Histogram
	workersLost    prometheus.Counter

	jobGraphSize prometheus.Gauge
}

// NewCollector builds and registers the full metric set against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_jobs_spawned_total",
			Help: "Total number of job entries spawned into the job graph",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_jobs_assigned_total",
			Help: "Total number of job entries bound to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_jobs_completed_total",
			Help: "Total number of job entries completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_jobs_failed_total",
			Help: "Total number of job entries that failed",
		}),
		bindLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nimbus_bind_latency_seconds",
			Help:    "Time spent in the binder per Bind call",
			Buckets: prometheus.DefBuckets,
		}),
		templateInstantiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_template_instantiations_total",
			Help: "Total number of execution template instantiations, by template name",
		}, []string{"name"}),
		templateCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nimbus_template_cache_hits_total",
			Help: "Total number of spawns served from an already-finalized template, by name",
		}, []string{"name"}),
		pdiEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_pdi_evictions_total",
			Help: "Total number of physical data instances evicted under capacity pressure",
		}),
		pdiPinned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_pdi_pinned",
			Help: "Current number of pinned physical data instances",
		}),
		rewindDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nimbus_rewind_duration_seconds",
			Help:    "Time spent rewinding a lost worker's tasks to the last checkpoint",
			Buckets: prometheus.DefBuckets,
		}),
		workersLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nimbus_workers_lost_total",
			Help: "Total number of workers detected as lost",
		}),
		jobGraphSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nimbus_job_graph_size",
			Help: "Current number of live job entries in the job graph",
		}),
	}

	prometheus.MustRegister(
		c.jobsSpawned, c.jobsAssigned, c.jobsCompleted, c.jobsFailed,
		c.bindLatency, c.templateInstantiations, c.templateCacheHits,
		c.pdiEvictions, c.pdiPinned, c.rewindDuration, c.workersLost, c.jobGraphSize,
	)

	return c
}

func (c *Collector) RecordSpawned()  { c.jobsSpawned.Inc() }
func (c *Collector) RecordAssigned() { c.jobsAssigned.Inc() }
func (c *Collector) RecordCompleted() { c.jobsCompleted.Inc() }
func (c *Collector) RecordFailed()   { c.jobsFailed.Inc() }

// ObserveBindLatency records one Bind call's wall-clock cost.
func (c *Collector) ObserveBindLatency(seconds float64) { c.bindLatency.Observe(seconds) }

// RecordTemplateInstantiation records a template instantiation, tagging
// whether it reused an already-finalized template shape.
func (c *Collector) RecordTemplateInstantiation(name string, cacheHit bool) {
	c.templateInstantiations.WithLabelValues(name).Inc()
	if cacheHit {
		c.templateCacheHits.WithLabelValues(name).Inc()
	}
}

func (c *Collector) RecordPDIEviction()         { c.pdiEvictions.Inc() }
func (c *Collector) SetPDIPinned(n int)         { c.pdiPinned.Set(float64(n)) }
func (c *Collector) ObserveRewindDuration(s float64) { c.rewindDuration.Observe(s) }
func (c *Collector) RecordWorkerLost()          { c.workersLost.Inc() }
func (c *Collector) SetJobGraphSize(n int)      { c.jobGraphSize.Set(float64(n)) }

// StartServer serves /metrics in Prometheus text format on port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
