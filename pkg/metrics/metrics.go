package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shared state manager cache metrics
	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentstore_shared_cache_size",
			Help: "Number of shared item states currently reachable from the weak cache",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_cache_hits_total",
			Help: "Total number of shared-cache lookups resolved without hitting the persistence adapter",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_cache_misses_total",
			Help: "Total number of shared-cache lookups whose weakly held state had already been collected; lookups of ids with no cache entry are not counted",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_cache_evictions_total",
			Help: "Total number of shared item states reclaimed by the weak cache",
		},
	)

	// Update pipeline metrics
	UpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contentstore_update_duration_seconds",
			Help:    "Time taken for a shared-manager update (begin through end or cancel) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpdatesCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_updates_committed_total",
			Help: "Total number of update pipelines that reached End successfully",
		},
	)

	UpdatesCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_updates_cancelled_total",
			Help: "Total number of update pipelines that were cancelled",
		},
	)

	StaleCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_stale_commits_total",
			Help: "Total number of commits rejected with StaleItemState",
		},
	)

	ReferentialIntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_referential_integrity_failures_total",
			Help: "Total number of commits rejected for referential integrity violations",
		},
	)

	// Codec metrics
	BundlesEncodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_bundles_encoded_total",
			Help: "Total number of node bundles encoded",
		},
	)

	BundlesDecodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_bundles_decoded_total",
			Help: "Total number of node bundles decoded",
		},
	)

	BlobsExternalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_blobs_externalized_total",
			Help: "Total number of BINARY values written to the external blob store",
		},
	)

	MissingBlobsIgnoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_missing_blobs_ignored_total",
			Help: "Total number of missing external blobs substituted with an empty value",
		},
	)

	// Importer metrics
	ImportedNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentstore_imported_nodes_total",
			Help: "Total number of nodes imported, by collision policy outcome",
		},
		[]string{"outcome"},
	)

	// Housekeeping metrics
	HousekeepingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_housekeeping_cycles_total",
			Help: "Total number of housekeeping cycles run",
		},
	)

	HousekeepingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contentstore_housekeeping_duration_seconds",
			Help:    "Time taken for a housekeeping cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StaleSessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contentstore_stale_sessions_reaped_total",
			Help: "Total number of idle sessions disposed by housekeeping",
		},
	)
)

func init() {
	prometheus.MustRegister(CacheSize)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(UpdateDuration)
	prometheus.MustRegister(UpdatesCommittedTotal)
	prometheus.MustRegister(UpdatesCancelledTotal)
	prometheus.MustRegister(StaleCommitsTotal)
	prometheus.MustRegister(ReferentialIntegrityFailuresTotal)
	prometheus.MustRegister(BundlesEncodedTotal)
	prometheus.MustRegister(BundlesDecodedTotal)
	prometheus.MustRegister(BlobsExternalizedTotal)
	prometheus.MustRegister(MissingBlobsIgnoredTotal)
	prometheus.MustRegister(ImportedNodesTotal)
	prometheus.MustRegister(HousekeepingCyclesTotal)
	prometheus.MustRegister(HousekeepingDuration)
	prometheus.MustRegister(StaleSessionsReapedTotal)
}

// Handler returns the Prometheus HTTP handler for a metrics endpoint.
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
