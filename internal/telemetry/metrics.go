package telemetry

import "sync/atomic"

// EngineMetrics tracks fetcher-engine performance counters, mirroring the
// atomic Metrics structs used throughout the distributed caching system
// (cache-manager.Metrics, warming.Metrics, invalidation.Metrics).
type EngineMetrics struct {
	CacheHits         atomic.Int64
	CacheMisses       atomic.Int64
	DedupeSkips       atomic.Int64
	FetchesStarted    atomic.Int64
	FetchesSucceeded  atomic.Int64
	FetchesFailed     atomic.Int64
	Retries           atomic.Int64
	StaleSuppressions atomic.Int64
	Invalidations     atomic.Int64
	Revalidations     atomic.Int64
	IdentitySkips     atomic.Int64
}

// MutatorMetrics tracks mutator-engine performance counters.
type MutatorMetrics struct {
	Invocations       atomic.Int64
	Throttled         atomic.Int64
	Succeeded         atomic.Int64
	Failed            atomic.Int64
	OptimisticWrites  atomic.Int64
	QueuedInvalidates atomic.Int64
}
