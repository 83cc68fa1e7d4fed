/*
Package metrics registers the Prometheus series exposed by the storage
core: weak-cache occupancy and hit/miss counts, update-pipeline duration
and outcome counters (committed/cancelled/stale/referential-integrity),
codec throughput, and importer outcomes.

All series are registered at package init via prometheus.MustRegister, and
exposed for scraping through Handler(). The Timer helper times an
operation and reports it to a histogram:

	timer := metrics.NewTimer()
	// ... perform the operation ...
	timer.ObserveDuration(metrics.UpdateDuration)
*/
package metrics
