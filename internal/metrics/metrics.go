// Package metrics exposes the engine's counters and gauges as Prometheus
// collectors, grounded on the promauto idiom used for treestore's own
// database metrics. A RecordManager created with Options.Registerer left
// nil registers its collectors against nothing (promauto.With(nil) is a
// no-op registerer): metrics are still updated and readable through the
// returned *Metrics, they just aren't exposed via the default registry's
// /metrics handler. Embedders that want Prometheus scraping must pass a
// real *prometheus.Registry (or prometheus.DefaultRegisterer) via
// Options.Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates during normal
// operation. All fields are safe for concurrent use.
type Metrics struct {
	PageReadsTotal    prometheus.Counter
	PageWritesTotal   prometheus.Counter
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CommitsTotal      *prometheus.CounterVec // label: tree
	SplitsTotal       *prometheus.CounterVec // label: kind=leaf|node
	MergesTotal       *prometheus.CounterVec // label: kind=leaf|node
	SnapshotsOpen     prometheus.Gauge
	SnapshotsSwept    prometheus.Counter
	FreeListLength    prometheus.Gauge
	CommitDuration    prometheus.Histogram
}

// New registers and returns a fresh Metrics set against reg. Passing nil
// collects in memory without exposing the collectors anywhere (see the
// package doc).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PageReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedkv_page_reads_total",
			Help: "Total number of page-IO blocks read from the device.",
		}),
		PageWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedkv_page_writes_total",
			Help: "Total number of page-IO blocks written to the device.",
		}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedkv_cache_hits_total",
			Help: "Page cache lookups served without deserializing from disk.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedkv_cache_misses_total",
			Help: "Page cache lookups that required a disk read.",
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "embedkv_commits_total",
			Help: "Completed write transactions, by tree name.",
		}, []string{"tree"}),
		SplitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "embedkv_splits_total",
			Help: "Page splits performed during insert, by page kind.",
		}, []string{"kind"}),
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "embedkv_merges_total",
			Help: "Page merges performed during delete, by page kind.",
		}, []string{"kind"}),
		SnapshotsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "embedkv_snapshots_open",
			Help: "Reader snapshots currently pinning a revision.",
		}),
		SnapshotsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedkv_snapshots_swept_total",
			Help: "Reader snapshots closed by the timeout sweeper rather than explicitly.",
		}),
		FreeListLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "embedkv_free_list_length",
			Help: "Number of page-IOs currently on the free list.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedkv_commit_duration_seconds",
			Help:    "Wall-clock time spent in Commit, up to and including the header flip.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
