// Package metrics wraps a dedicated Prometheus registry (never the global
// default registerer, so multiple test processes in the same binary never
// collide on collector registration) exposing request/error counters and
// the handful of readiness/backlog gauges the metrics endpoint composes.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every collector the service reports. Alongside the
// Prometheus vectors it mirrors a handful of plain counters so /api/metrics
// can answer with a JSON snapshot (what the dashboard consumes, per the
// external interface table) without parsing the text exposition format
// back out of its own registry.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	DBReady               prometheus.Gauge
	DBConsecutiveFailures prometheus.Gauge

	IngestBatchesTotal  *prometheus.CounterVec
	IngestRowsTotal     *prometheus.CounterVec
	GuardianRunsTotal   prometheus.Counter
	GuardianMarkedTotal prometheus.Counter

	StartTime prometheus.Gauge

	requestsTotal       int64
	errorsTotal         int64
	guardianRunsTotal   int64
	guardianMarkedTotal int64
	dbReady             int32
	startedAt           time.Time
}

// New builds a Registry with every collector registered against its own
// prometheus.Registry, which Gatherer exposes so a caller can wire a
// promhttp.HandlerFor(...) handler.
func New(serviceName string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonfly_http_requests_total",
			Help: "Total HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dragonfly_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonfly_errors_total",
			Help: "Total handled errors by category.",
		}, []string{"category"}),
		DBReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragonfly_db_ready",
			Help: "1 if the database pool is ready, else 0.",
		}),
		DBConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragonfly_db_consecutive_failures",
			Help: "Consecutive DB connection failures observed by the readiness state machine.",
		}),
		IngestBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonfly_ingest_batches_total",
			Help: "Ingestion batches processed by terminal status.",
		}, []string{"status"}),
		IngestRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonfly_ingest_rows_total",
			Help: "Ingested rows by outcome.",
		}, []string{"outcome"}),
		GuardianRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonfly_guardian_runs_total",
			Help: "Intake guardian sweep invocations.",
		}),
		GuardianMarkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragonfly_guardian_marked_failed_total",
			Help: "Batches the guardian marked failed for exceeding the stuck threshold.",
		}),
		StartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragonfly_start_time_seconds",
			Help: "Unix timestamp of process start.",
		}),
	}

	reg.MustRegister(
		r.RequestsTotal, r.RequestDuration, r.ErrorsTotal,
		r.DBReady, r.DBConsecutiveFailures,
		r.IngestBatchesTotal, r.IngestRowsTotal,
		r.GuardianRunsTotal, r.GuardianMarkedTotal,
		r.StartTime,
	)
	r.StartTime.Set(float64(time.Now().Unix()))
	r.startedAt = time.Now().UTC()
	_ = serviceName
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// RecordRequest records one completed HTTP request.
func (r *Registry) RecordRequest(method, path, status string, d time.Duration) {
	r.RequestsTotal.WithLabelValues(method, path, status).Inc()
	r.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
	atomic.AddInt64(&r.requestsTotal, 1)
}

// RecordError increments the error counter for category.
func (r *Registry) RecordError(category string) {
	r.ErrorsTotal.WithLabelValues(category).Inc()
	atomic.AddInt64(&r.errorsTotal, 1)
}

// SetDBReady mirrors dbstate.State.Ready() into a gauge for scraping.
func (r *Registry) SetDBReady(ready bool) {
	if ready {
		r.DBReady.Set(1)
		atomic.StoreInt32(&r.dbReady, 1)
	} else {
		r.DBReady.Set(0)
		atomic.StoreInt32(&r.dbReady, 0)
	}
}

// RecordGuardianRun mirrors one guardian sweep outcome into the snapshot
// counters alongside the Prometheus collectors, which the scheduler and
// the /api/v1/ops/guardian/run handler increment directly.
func (r *Registry) RecordGuardianRun(markedFailed int) {
	atomic.AddInt64(&r.guardianRunsTotal, 1)
	atomic.AddInt64(&r.guardianMarkedTotal, int64(markedFailed))
}

// Snapshot returns the JSON-friendly counters the dashboard's /api/metrics
// call consumes — distinct from the Prometheus text exposition format,
// which scrapers use instead.
func (r *Registry) Snapshot() map[string]any {
	return map[string]any{
		"requests_total":        atomic.LoadInt64(&r.requestsTotal),
		"errors_total":          atomic.LoadInt64(&r.errorsTotal),
		"guardian_runs_total":   atomic.LoadInt64(&r.guardianRunsTotal),
		"guardian_marked_total": atomic.LoadInt64(&r.guardianMarkedTotal),
		"db_ready":              atomic.LoadInt32(&r.dbReady) == 1,
		"uptime_seconds":        int(time.Since(r.startedAt).Seconds()),
	}
}
