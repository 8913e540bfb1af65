// Package metrics exposes Prometheus instrumentation for the conversion
// pipeline, grounded on the teacher's escrow.Metrics (a struct of
// promauto-registered CounterVec/HistogramVec/GaugeVec fields built once at
// startup and handed to every component that needs to record against it).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the service registers.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSizeBytes prometheus.Gauge

	JobsStarted  prometheus.Counter
	JobsFinished *prometheus.CounterVec // label: state

	TaskDuration *prometheus.HistogramVec // label: outcome

	QueueDepth    prometheus.Gauge
	QueueRejected prometheus.Counter

	RateLimitRejections prometheus.Counter

	ValidationRejections *prometheus.CounterVec // label: kind
}

// New registers and returns the full metrics set.
func New() *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_cache_hits_total",
			Help: "Total conversion cache hits.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_cache_misses_total",
			Help: "Total conversion cache misses.",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_cache_evictions_total",
			Help: "Total conversion cache entries evicted.",
		}),
		CacheSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "imgforge_cache_size_bytes",
			Help: "Current conversion cache size in bytes.",
		}),
		JobsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_jobs_started_total",
			Help: "Total batch jobs started.",
		}),
		JobsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imgforge_jobs_finished_total",
			Help: "Total batch jobs finished, by terminal state.",
		}, []string{"state"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgforge_task_duration_seconds",
			Help:    "Per-file conversion task duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "imgforge_worker_queue_depth",
			Help: "Current worker pool queue depth.",
		}),
		QueueRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_worker_queue_rejected_total",
			Help: "Total tasks rejected because the worker pool queue was full.",
		}),
		RateLimitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imgforge_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter.",
		}),
		ValidationRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "imgforge_validation_rejections_total",
			Help: "Total files rejected by the security gate, by error kind.",
		}, []string{"kind"}),
	}
}

// ObserveTask records the duration of a finished conversion task.
func (m *Metrics) ObserveTask(outcome string, d time.Duration) {
	m.TaskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// The methods below satisfy cache.MetricsRecorder and
// scheduler.MetricsRecorder, letting both packages depend on a narrow local
// interface instead of importing this package directly.

func (m *Metrics) IncCacheHit()      { m.CacheHits.Inc() }
func (m *Metrics) IncCacheMiss()     { m.CacheMisses.Inc() }
func (m *Metrics) IncCacheEviction() { m.CacheEvictions.Inc() }
func (m *Metrics) SetCacheSizeBytes(n int64) {
	m.CacheSizeBytes.Set(float64(n))
}

func (m *Metrics) IncJobStarted()               { m.JobsStarted.Inc() }
func (m *Metrics) IncJobFinished(state string)   { m.JobsFinished.WithLabelValues(state).Inc() }
func (m *Metrics) IncQueueRejected()             { m.QueueRejected.Inc() }
func (m *Metrics) SetQueueDepth(n int)           { m.QueueDepth.Set(float64(n)) }
func (m *Metrics) ObserveTaskDuration(outcome string, d time.Duration) {
	m.ObserveTask(outcome, d)
}

// The methods below satisfy httpapi.MetricsRecorder.

func (m *Metrics) IncRateLimitRejection() { m.RateLimitRejections.Inc() }
func (m *Metrics) IncValidationRejection(kind string) {
	m.ValidationRejections.WithLabelValues(kind).Inc()
}
