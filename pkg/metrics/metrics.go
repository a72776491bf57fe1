package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commit pipeline metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_commit_duration_seconds",
			Help:    "Time taken to build and publish a commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_commits_total",
			Help: "Total number of commits published, by outcome",
		},
		[]string{"outcome"},
	)

	RefUpdateRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vgraph_ref_update_retries_total",
			Help: "Total number of CAS retries on refs/head during commit",
		},
	)

	// Cache metrics, labeled by tier (hnsw, metadata, embedding, other)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_cache_hits_total",
			Help: "Total number of cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_cache_misses_total",
			Help: "Total number of cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_cache_evictions_total",
			Help: "Total number of cache evictions by tier",
		},
		[]string{"tier"},
	)

	CacheCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_cache_coalesced_requests_total",
			Help: "Total number of rebuild requests coalesced into an in-flight fetch, by tier",
		},
		[]string{"tier"},
	)

	CacheSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vgraph_cache_size_bytes",
			Help: "Current estimated size of each cache tier in bytes",
		},
		[]string{"tier"},
	)

	// HNSW metrics
	HNSWInsertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_hnsw_insert_duration_seconds",
			Help:    "Time taken to insert a vector into the HNSW index in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_hnsw_search_duration_seconds",
			Help:    "Time taken to search the HNSW index in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_hnsw_rebuild_duration_seconds",
			Help:    "Time taken for a full HNSW index rebuild in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	HNSWTombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vgraph_hnsw_tombstones_total",
			Help: "Current number of soft-deleted vectors awaiting compaction",
		},
	)

	// Transaction metrics
	TransactionCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vgraph_transaction_commits_total",
			Help: "Total number of transactions committed successfully",
		},
	)

	TransactionRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_transaction_rollbacks_total",
			Help: "Total number of transactions rolled back, by reason",
		},
		[]string{"reason"},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_transaction_duration_seconds",
			Help:    "Time taken to execute a transaction end to end in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backend metrics, labeled by backend kind (file, s3, memory)
	BackendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vgraph_backend_call_duration_seconds",
			Help:    "Backend call duration in seconds by backend and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_backend_errors_total",
			Help: "Total number of backend call errors by backend, operation, and error kind",
		},
		[]string{"backend", "op", "kind"},
	)

	// Connection pool metrics
	PoolConnectionsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vgraph_pool_connections_in_use",
			Help: "Current number of connections checked out of the pool, by backend",
		},
		[]string{"backend"},
	)

	PoolConnectionsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vgraph_pool_connections_idle",
			Help: "Current number of idle connections held by the pool, by backend",
		},
		[]string{"backend"},
	)

	PoolAcquireWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vgraph_pool_acquire_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a pooled connection in seconds, by backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Index rebuild metrics, shared across metaindex/graphindex/hnsw
	IndexRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vgraph_index_rebuilds_total",
			Help: "Total number of index rebuilds started, by index",
		},
		[]string{"index"},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vgraph_compaction_duration_seconds",
			Help:    "Time taken for a compaction cycle in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vgraph_compactions_total",
			Help: "Total number of compaction cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(RefUpdateRetriesTotal)

	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheCoalescedTotal)
	prometheus.MustRegister(CacheSizeBytes)

	prometheus.MustRegister(HNSWInsertDuration)
	prometheus.MustRegister(HNSWSearchDuration)
	prometheus.MustRegister(HNSWRebuildDuration)
	prometheus.MustRegister(HNSWTombstonesTotal)

	prometheus.MustRegister(TransactionCommitsTotal)
	prometheus.MustRegister(TransactionRollbacksTotal)
	prometheus.MustRegister(TransactionDuration)

	prometheus.MustRegister(BackendCallDuration)
	prometheus.MustRegister(BackendErrorsTotal)

	prometheus.MustRegister(PoolConnectionsInUse)
	prometheus.MustRegister(PoolConnectionsIdle)
	prometheus.MustRegister(PoolAcquireWaitDuration)

	prometheus.MustRegister(IndexRebuildsTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
