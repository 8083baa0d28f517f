package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds the platform's Prometheus collectors and backs the
// metrics hooks of the job runtime, the log buffer, the market reader and
// the chart cache. It carries its own registry so tests can build several
// instances without collector name collisions.
type MetricsRegistry struct {
	registry *prometheus.Registry

	StageDuration     *prometheus.HistogramVec
	TasksTotal        *prometheus.CounterVec
	ActiveTasks       prometheus.Gauge
	LogFlushes        *prometheus.CounterVec
	LogEntriesFlushed *prometheus.CounterVec
	ChunkReads        *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	CacheHitRatio     prometheus.Gauge
}

// NewMetricsRegistry creates and registers all platform collectors.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factorlab_stage_duration_seconds",
				Help:    "Duration of evaluation pipeline stages in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage", "result"},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_tasks_total",
				Help: "Total evaluation tasks by terminal status",
			},
			[]string{"status"},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factorlab_active_tasks",
				Help: "Evaluation tasks currently running",
			},
		),

		LogFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_log_flushes_total",
				Help: "Task-log flushes by trigger reason",
			},
			[]string{"reason"},
		),

		LogEntriesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_log_entries_flushed_total",
				Help: "Task-log entries written to the store by trigger reason",
			},
			[]string{"reason"},
		),

		ChunkReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_chunk_reads_total",
				Help: "Market window chunk reads by outcome",
			},
			[]string{"outcome"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_cache_hits_total",
				Help: "Chart cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorlab_cache_misses_total",
				Help: "Chart cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "factorlab_cache_hit_ratio",
				Help: "Chart cache hit ratio (0.0 to 1.0)",
			},
		),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.TasksTotal,
		m.ActiveTasks,
		m.LogFlushes,
		m.LogEntriesFlushed,
		m.ChunkReads,
		m.CacheHits,
		m.CacheMisses,
		m.CacheHitRatio,
	)

	return m
}

// RecordTaskStart marks an evaluation task entering the pipeline.
func (m *MetricsRegistry) RecordTaskStart() {
	m.ActiveTasks.Inc()
}

// RecordTaskEnd marks a task reaching a terminal status.
func (m *MetricsRegistry) RecordTaskEnd(status string) {
	m.ActiveTasks.Dec()
	m.TasksTotal.WithLabelValues(status).Inc()
}

// RecordStage times one pipeline stage.
func (m *MetricsRegistry) RecordStage(stage, result string, seconds float64) {
	m.StageDuration.WithLabelValues(stage, result).Observe(seconds)
}

// RecordLogFlush counts one task-log flush and the entries it carried.
func (m *MetricsRegistry) RecordLogFlush(reason string, entries int) {
	m.LogFlushes.WithLabelValues(reason).Inc()
	m.LogEntriesFlushed.WithLabelValues(reason).Add(float64(entries))
}

// RecordChunkRead counts one market window chunk read.
func (m *MetricsRegistry) RecordChunkRead(outcome string) {
	m.ChunkReads.WithLabelValues(outcome).Inc()
}

// RecordCacheHit records a chart cache hit.
func (m *MetricsRegistry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a chart cache miss.
func (m *MetricsRegistry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// updateCacheHitRatio recomputes the ratio gauge by reading the hit and
// miss counters back through the client data model.
func (m *MetricsRegistry) updateCacheHitRatio() {
	var hits, misses float64
	sample := &dto.Metric{}

	for _, cacheType := range []string{"memory", "redis"} {
		if counter, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := counter.Write(sample); err == nil {
				hits += sample.GetCounter().GetValue()
			}
		}
		if counter, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := counter.Write(sample); err == nil {
				misses += sample.GetCounter().GetValue()
			}
		}
	}

	if total := hits + misses; total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}

// MetricsHandler exposes the collectors in the Prometheus text format.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather returns the current metric families, for tests and diagnostics.
func (m *MetricsRegistry) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
