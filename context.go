package nanoquery

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nanoquery-dev/nanoquery/internal/telemetry"
)

// Config configures a nanoquery instance: the options embedded in it are
// the global defaults every fetcher/mutator store merges against, while
// the remaining fields are instance-construction-only (they have no
// per-store equivalent).
type Config struct {
	Options

	// Cache pre-seeds the instance's cache store, consulted exactly like
	// an engine-written entry — enables hydration from a prior render.
	Cache map[string]CacheEntry

	// CacheShards is the fixed shard count for the consistent-hash-sharded
	// cache store. Defaults to 16.
	CacheShards int

	// MaxRevalidateRPS throttles mass revalidation fan-out (interval
	// ticks and focus/online broadcasts) across all stores in the
	// instance. Zero disables throttling.
	MaxRevalidateRPS float64

	// Env supplies visibility/focus/online signals. A nil Env degrades to
	// "always visible, never reconnects."
	Env EnvironmentSignals

	// Now overrides the clock (test-only). A nil Now uses time.Now.
	Now func() time.Time
}

// MakeFetcher declares a fetcher store for keySpec, an ordered sequence of
// key parts (scalars, Atoms, or other fetcher stores). perStore, if given,
// overrides the instance defaults for this store only.
type MakeFetcher func(keySpec []any, perStore ...Options) *FetcherStore

// MakeMutator declares a mutator store wrapping fn.
type MakeMutator func(fn MutationFunc, perStore ...Options) *MutatorStore

// deleteSentinel is passed as MutateCache's value argument to mean "delete
// this entry" rather than "write nil as the value" — Go has no undefined,
// so the distinction needs an explicit sentinel.
type deleteSentinel struct{}

// Delete is the MutateCache value sentinel: MutateCache(selector, Delete)
// removes matching entries instead of overwriting them.
var Delete = &deleteSentinel{}

// Context is the process-wide (per nanoquery instance) container: cache,
// registry, defaults, the in-flight table, and the test override hook.
// Multiple instances never share state.
type Context struct {
	base Options

	mu       sync.RWMutex
	overrule Options

	cache     *CacheStore
	registry  *registry
	scheduler *scheduler
	sfGroup   singleflight.Group
	env       EnvironmentSignals
	nowFn     func() time.Time

	inflightMu sync.Mutex
	inflight   map[string]time.Time

	metrics        *telemetry.EngineMetrics
	mutatorMetrics *telemetry.MutatorMetrics
	logger         *telemetry.Logger
}

// New constructs a nanoquery instance, returning the fetcher/mutator
// factories and the context handle, matching §6's
// nanoquery(options?) -> [makeFetcher, makeMutator, context].
func New(cfg Config) (MakeFetcher, MakeMutator, *Context) {
	env := cfg.Env
	if env == nil {
		env = noopEnvironment{}
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	numShards := cfg.CacheShards
	if numShards <= 0 {
		numShards = 16
	}

	cache := NewCacheStore(numShards)
	for key, entry := range cfg.Cache {
		cache.Set(key, entry)
	}

	ctx := &Context{
		base:           merge(defaultOptions(), cfg.Options),
		cache:          cache,
		registry:       newRegistry(),
		env:            env,
		nowFn:          nowFn,
		inflight:       make(map[string]time.Time),
		metrics:        &telemetry.EngineMetrics{},
		mutatorMetrics: &telemetry.MutatorMetrics{},
		logger:         &telemetry.Logger{},
	}
	ctx.scheduler = newScheduler(ctx, cfg.MaxRevalidateRPS)

	makeFetcher := func(keySpec []any, perStore ...Options) *FetcherStore {
		var opt Options
		if len(perStore) > 0 {
			opt = perStore[0]
		}
		return newFetcherStore(ctx, keySpec, opt)
	}
	makeMutator := func(fn MutationFunc, perStore ...Options) *MutatorStore {
		var opt Options
		if len(perStore) > 0 {
			opt = perStore[0]
		}
		return newMutatorStore(ctx, fn, opt)
	}

	return makeFetcher, makeMutator, ctx
}

func (c *Context) now() time.Time {
	return c.nowFn()
}

// resolveOptions merges the instance defaults, a per-store override, and
// the test override hook, in that precedence order (highest last).
func (c *Context) resolveOptions(perStore Options) resolved {
	c.mu.RLock()
	overrule := c.overrule
	c.mu.RUnlock()

	merged := merge(c.base, perStore)
	merged = merge(merged, overrule)
	return merged.toResolved()
}

func (c *Context) defaultCacheLifetime() time.Duration {
	return c.resolveOptions(Options{}).CacheLifetime
}

// UnsafeOverruleSettings replaces/augments the resolved defaults used by
// all subsequent engine decisions across every store in this instance.
// Test-only — matches §4.6's __unsafeOverruleSettings.
func (c *Context) UnsafeOverruleSettings(patch Options) {
	c.mu.Lock()
	c.overrule = merge(c.overrule, patch)
	c.mu.Unlock()
}

func (c *Context) isInFlight(key string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

func (c *Context) markInFlight(key string, at time.Time) {
	c.inflightMu.Lock()
	c.inflight[key] = at
	c.inflightMu.Unlock()
}

func (c *Context) clearInFlight(key string) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
}

// candidateKeys returns every key present in the cache or with at least
// one active subscriber, the universe invalidateKeys/mutateCache selectors
// resolve against per §4.6.
func (c *Context) candidateKeys() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, k := range c.cache.Keys() {
		add(k)
	}
	for _, k := range c.registry.keys() {
		add(k)
	}
	return out
}

// invalidateKey invalidates every active store registered under key, or —
// if none are active — simply drops the cache entry so the next
// subscription refetches.
func (c *Context) invalidateKey(key string) {
	stores := c.registry.storesFor(key)
	if len(stores) == 0 {
		c.cache.Delete(key)
		return
	}
	for _, s := range stores {
		s.Invalidate()
	}
}

// publishOptimistic republishes an optimistic cache write to every active
// store on key, used by MutationContext.GetCacheUpdater's setter.
func (c *Context) publishOptimistic(key string, value any, loading bool) {
	for _, s := range c.registry.storesFor(key) {
		s.publish(StoreValue{Loading: loading, Data: value})
	}
}

// InvalidateKeys resolves selector against the candidate key set and
// invalidates each match.
func (c *Context) InvalidateKeys(selector Selector) {
	for _, key := range resolveSelector(c, selector) {
		c.invalidateKey(key)
	}
}

// MutateCache writes value into every cache key matching selector and
// republishes it to active stores; passing Delete removes the entries
// instead.
func (c *Context) MutateCache(selector Selector, value any) {
	now := c.now()
	lifetime := c.defaultCacheLifetime()
	for _, key := range resolveSelector(c, selector) {
		if value == Delete {
			c.cache.Delete(key)
			for _, s := range c.registry.storesFor(key) {
				s.publish(StoreValue{Loading: false})
			}
			continue
		}
		c.cache.Set(key, CacheEntry{Data: value, Created: now, Expires: now.Add(lifetime)})
		c.publishOptimistic(key, value, false)
	}
}

// InvalidateKeysOlderThan revalidates every active store whose cache entry
// was last written before now()-age, and returns the keys it touched. Used
// by distnode's sweep cron job to catch keys whose store has no per-store
// revalidateInterval configured.
func (c *Context) InvalidateKeysOlderThan(age time.Duration) []string {
	cutoff := c.now().Add(-age)
	var touched []string
	for _, key := range c.registry.keys() {
		entry, ok := c.cache.Get(key)
		if !ok || entry.Created.After(cutoff) {
			continue
		}
		for _, s := range c.registry.storesFor(key) {
			s.Revalidate()
		}
		touched = append(touched, key)
	}
	return touched
}

// Metrics returns the instance's fetcher/mutator engine counters.
func (c *Context) Metrics() (*telemetry.EngineMetrics, *telemetry.MutatorMetrics) {
	return c.metrics, c.mutatorMetrics
}

// Shutdown stops every interval timer and detaches the focus/online
// listeners. Individual store resolvers are left to their own Close/last
// unsubscribe lifecycle.
func (c *Context) Shutdown() {
	c.scheduler.Shutdown()
}
