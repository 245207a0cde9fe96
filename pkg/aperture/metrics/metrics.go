// Package metrics is Aperture's process-wide Prometheus registry,
// following the teacher's promauto construction style: one struct holding
// every named metric, built once at process start and never hot-reloaded
// (spec.md §6's "global mutable state" note).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram named in spec.md §6.
// A single instance is constructed per process; agent and aggregator
// mains each build their own subset of the fields that apply to them.
type Metrics struct {
	PushTotal           *prometheus.CounterVec
	PushEventsTotal     prometheus.Counter
	PushDurationSeconds prometheus.Histogram

	BufferBatches      prometheus.Gauge
	BufferDropsTotal   prometheus.Counter
	BufferUtilization  prometheus.Gauge

	DurableFlushTotal          *prometheus.CounterVec
	DurableFlushRowsTotal      prometheus.Counter
	DurableFlushDurationSeconds prometheus.Histogram
	DurablePendingRows         prometheus.Gauge

	FilterFailuresTotal *prometheus.CounterVec

	SymbolCacheHits   prometheus.Counter
	SymbolCacheMisses prometheus.Counter
}

// New constructs and registers every metric against the default
// registerer, mirroring the teacher's NewPrometheusMetric.
func New() *Metrics {
	return &Metrics{
		PushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_push_total",
			Help: "Total number of Push RPCs received, by outcome.",
		}, []string{"outcome"}),
		PushEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aperture_push_events_total",
			Help: "Total number of profile events accepted across all batches.",
		}),
		PushDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aperture_push_duration_seconds",
			Help:    "Push RPC server-side handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		BufferBatches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aperture_buffer_batches",
			Help: "Current number of batches held in the in-memory ring.",
		}),
		BufferDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aperture_buffer_drops_total",
			Help: "Total number of batches dropped by ring overflow.",
		}),
		BufferUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aperture_buffer_utilization",
			Help: "Ratio of buffered batches to ring capacity.",
		}),
		DurableFlushTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_durable_flush_total",
			Help: "Total number of durable-store flush attempts, by outcome.",
		}, []string{"outcome"}),
		DurableFlushRowsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aperture_durable_flush_rows_total",
			Help: "Total number of rows successfully flushed to durable storage.",
		}),
		DurableFlushDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aperture_durable_flush_duration_seconds",
			Help:    "Durable-store flush latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DurablePendingRows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aperture_durable_pending_rows",
			Help: "Current number of rows waiting in the pending queue.",
		}),
		FilterFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_filter_failures_total",
			Help: "Total number of fail-open filter invocations, by reason.",
		}, []string{"reason"}),
		SymbolCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aperture_symbol_cache_hits_total",
			Help: "Total symbol-cache hits across all shards.",
		}),
		SymbolCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aperture_symbol_cache_misses_total",
			Help: "Total symbol-cache misses across all shards.",
		}),
	}
}
