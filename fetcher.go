package nanoquery

import (
	"sync"
	"time"

	"github.com/nanoquery-dev/nanoquery/internal/telemetry"
)

// StoreValue is the published state of a fetcher store: the last known
// data/error pair plus whether a fetch is currently outstanding.
type StoreValue struct {
	Data    any
	Error   error
	Loading bool
}

// FetcherStore is the consumer-facing handle returned by makeFetcher. It
// owns a keyResolver for its key specification and implements the Fetcher
// Engine decision procedure in §4.3 against the owning Context's shared
// cache, in-flight table and single-flight group.
type FetcherStore struct {
	ctx     *Context
	keySpec []any
	opts    resolved

	resolver *keyResolver

	mu                sync.Mutex
	value             StoreValue
	subs              map[int]func(StoreValue)
	nextSubID         int
	subscriberCount   int
	active            bool
	keySubs           map[int]func()
	nextKeyListenerID int
	retryCount        int
	retryTimer        *time.Timer
	registeredKey     string
}

func newFetcherStore(ctx *Context, keySpec []any, perStore Options) *FetcherStore {
	s := &FetcherStore{
		ctx:     ctx,
		keySpec: keySpec,
		opts:    ctx.resolveOptions(perStore),
	}
	s.resolver = newKeyResolver(keySpec, s.handleKeyChanged)
	if _, disabled := s.resolver.Key(); disabled {
		s.value = StoreValue{Loading: false}
	}
	return s
}

// Key returns the store's current canonical key, and whether it is
// currently disabled.
func (s *FetcherStore) Key() (string, bool) {
	return s.resolver.Key()
}

// Get returns the store's currently published value.
func (s *FetcherStore) Get() StoreValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe attaches a listener, delivering the current value immediately
// (reactive-store semantics), and activates the engine on the first
// subscriber. The returned func detaches the listener and deactivates the
// engine once the last subscriber leaves.
func (s *FetcherStore) Subscribe(fn func(StoreValue)) (unsubscribe func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]func(StoreValue))
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	first := s.subscriberCount == 0
	s.subscriberCount++
	current := s.value
	s.mu.Unlock()

	fn(current)
	if first {
		s.activate()
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.subscriberCount--
		last := s.subscriberCount == 0
		s.mu.Unlock()
		if last {
			s.deactivate()
		}
	}
}

func (s *FetcherStore) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *FetcherStore) activate() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.ctx.reregisterStore(s)
	s.ctx.scheduler.onStoreActivated(s)
	s.evaluate(false)
}

func (s *FetcherStore) deactivate() {
	s.cancelRetry()
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.ctx.unregisterStore(s)
	s.ctx.scheduler.onStoreDeactivated(s)
}

// onKeyChange registers fn to be called whenever this store's resolved key
// changes, used by a dependent store's keyResolver when this store appears
// as one of its key parts.
func (s *FetcherStore) onKeyChange(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	if s.keySubs == nil {
		s.keySubs = make(map[int]func())
	}
	id := s.nextKeyListenerID
	s.nextKeyListenerID++
	s.keySubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.keySubs, id)
		s.mu.Unlock()
	}
}

func (s *FetcherStore) notifyKeyListeners() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.keySubs))
	for _, fn := range s.keySubs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// handleKeyChanged runs on the resolver's coalescing goroutine whenever the
// resolved key (or disabled state) changes: cancel any pending retry (the
// sound policy per §9's open question on revalidate/retry ordering),
// re-register under the new key, notify dependents, and re-evaluate if
// mounted.
func (s *FetcherStore) handleKeyChanged() {
	s.cancelRetry()
	active := s.isActive()
	if active {
		s.ctx.reregisterStore(s)
	}
	s.notifyKeyListeners()
	if active {
		s.evaluate(false)
	}
}

func (s *FetcherStore) cancelRetry() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
}

// publish updates the store's value and notifies subscribers, unless the
// new value is identical to the current one (the data-identity
// optimization in §4.3: no listener notification on a non-change).
func (s *FetcherStore) publish(v StoreValue) {
	s.mu.Lock()
	if s.value.Loading == v.Loading && valuesEqual(s.value.Data, v.Data) && errorsEqual(s.value.Error, v.Error) {
		s.mu.Unlock()
		return
	}
	s.value = v
	fns := make([]func(StoreValue), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// evaluate runs the state-resolution decision procedure from §4.3 for the
// store's current resolved key. forced bypasses the dedupe window, used by
// Invalidate/Revalidate and scheduled retries (interval and focus/online
// revalidations go through scheduledRevalidate, which does not force).
func (s *FetcherStore) evaluate(forced bool) {
	key, disabled := s.resolver.Key()
	if disabled {
		s.publish(StoreValue{Loading: false})
		return
	}

	now := s.ctx.now()
	entry, hasEntry := s.ctx.cache.Get(key)
	fresh := hasEntry && !entry.Expired(now)

	if s.ctx.isInFlight(key) {
		var data any
		if fresh {
			data = entry.Data
		}
		s.ctx.metrics.DedupeSkips.Add(1)
		s.publish(StoreValue{Loading: true, Data: data})
		return
	}

	withinDedupe := hasEntry && !forced && now.Before(entry.Created.Add(s.opts.DedupeTime))
	if withinDedupe {
		s.ctx.metrics.CacheHits.Add(1)
		s.publish(StoreValue{Loading: false, Data: entry.Data, Error: entry.Err})
		return
	}

	s.ctx.metrics.CacheMisses.Add(1)
	s.startFetch(key, entry, fresh, now)
}

func (s *FetcherStore) startFetch(key string, entry CacheEntry, fresh bool, now time.Time) {
	if s.opts.Fetcher == nil {
		s.publish(StoreValue{Loading: false, Error: ErrNoFetcher})
		return
	}

	s.ctx.markInFlight(key, now)
	s.ctx.metrics.FetchesStarted.Add(1)

	var seed any
	if fresh {
		seed = entry.Data
	}
	s.publish(StoreValue{Loading: true, Data: seed})

	fetcher := s.opts.Fetcher
	args := resolveArgs(s.keySpec)
	fetchCtx := s.ctx
	correlationID := telemetry.NewCorrelationID()
	s.ctx.logger.Event(telemetry.LevelDebug, correlationID, key, "fetch started", nil)

	go func() {
		result, err, shared := s.ctx.sfGroup.Do(key, func() (any, error) {
			return fetcher(fetchCtx, args)
		})
		s.ctx.clearInFlight(key)
		if err != nil {
			s.ctx.logger.Event(telemetry.LevelWarn, correlationID, key, "fetch failed", map[string]any{"error": err.Error(), "shared": shared})
		} else {
			s.ctx.logger.Event(telemetry.LevelDebug, correlationID, key, "fetch succeeded", map[string]any{"shared": shared})
		}
		s.onSettle(key, result, err)
	}()
}

// onSettle handles a terminal fetch outcome: writes the cache entry, then
// (unless the store's live key has since moved on, in which case the
// result is generationally stale per §4.3) publishes the terminal state and
// drives the retry schedule.
func (s *FetcherStore) onSettle(key string, result any, err error) {
	now := s.ctx.now()
	liveKey, disabled := s.resolver.Key()
	stale := disabled || liveKey != key

	if err != nil {
		prior, priorOK := s.ctx.cache.Get(key)
		s.ctx.cache.Set(key, CacheEntry{Err: err, Created: now, Expires: now.Add(s.opts.CacheLifetime)})
		s.ctx.metrics.FetchesFailed.Add(1)

		if s.opts.OnError != nil {
			s.opts.OnError(err, key)
		}

		s.mu.Lock()
		s.retryCount++
		n := s.retryCount
		s.mu.Unlock()

		if s.opts.OnErrorRetry != nil {
			if delay := s.opts.OnErrorRetry(RetryInfo{RetryCount: n, Err: err, Key: key}); delay > 0 {
				s.ctx.metrics.Retries.Add(1)
				s.ctx.logger.Event(telemetry.LevelInfo, telemetry.NewCorrelationID(), key, "retry scheduled", map[string]any{"attempt": n, "delay_ms": delay.Milliseconds()})
				s.scheduleRetry(key, delay)
			}
		}

		if stale {
			s.ctx.metrics.StaleSuppressions.Add(1)
			return
		}
		var data any
		if priorOK && !prior.Expired(now) {
			data = prior.Data
		}
		s.publish(StoreValue{Loading: false, Error: err, Data: data})
		return
	}

	s.ctx.cache.Set(key, CacheEntry{Data: result, Created: now, Expires: now.Add(s.opts.CacheLifetime)})
	s.ctx.metrics.FetchesSucceeded.Add(1)
	s.mu.Lock()
	s.retryCount = 0
	s.mu.Unlock()

	if stale {
		s.ctx.metrics.StaleSuppressions.Add(1)
		return
	}
	s.publish(StoreValue{Loading: false, Data: result})
}

func (s *FetcherStore) scheduleRetry(key string, delay time.Duration) {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		liveKey, disabled := s.resolver.Key()
		if disabled || liveKey != key {
			return
		}
		s.evaluate(true)
	})
	s.mu.Unlock()
}

// Invalidate forces the next resolution to skip the dedupe window. An
// active store refetches immediately with data cleared; an inactive store
// simply drops its cache entry so the next subscription refetches.
func (s *FetcherStore) Invalidate() {
	key, disabled := s.resolver.Key()
	if disabled {
		return
	}
	s.cancelRetry()
	s.ctx.metrics.Invalidations.Add(1)
	s.ctx.logger.Event(telemetry.LevelInfo, telemetry.NewCorrelationID(), key, "invalidated", nil)
	if s.isActive() {
		s.publish(StoreValue{Loading: true})
		s.evaluate(true)
		return
	}
	s.ctx.cache.Delete(key)
}

// Revalidate is identical to Invalidate for an active store except it
// preserves the currently published data during the refetch
// (stale-while-revalidate). On an inactive store it only cancels a pending
// retry: the cache entry is kept, unlike Invalidate, which drops it.
func (s *FetcherStore) Revalidate() {
	key, disabled := s.resolver.Key()
	if disabled {
		return
	}
	s.cancelRetry()
	s.ctx.metrics.Revalidations.Add(1)
	s.ctx.logger.Event(telemetry.LevelDebug, telemetry.NewCorrelationID(), key, "revalidating", nil)
	if !s.isActive() {
		return
	}
	current := s.Get()
	s.publish(StoreValue{Loading: true, Data: current.Data})
	s.evaluate(true)
}

// scheduledRevalidate is the Refresh Scheduler's entry point for interval
// ticks and focus/online fan-out (§4.4): unlike Revalidate/Invalidate, it
// does not force past the dedupe window — "all interval and event-driven
// refreshes still observe the dedupe window unless the store is explicitly
// invalidated." Delegating straight to evaluate(false) gives this for free:
// within the window it just republishes the cached state (a no-op from the
// subscriber's point of view), and once the window has lapsed it starts a
// fetch seeded with the still-unexpired cached data, i.e. stale-while-
// revalidate.
func (s *FetcherStore) scheduledRevalidate() {
	key, disabled := s.resolver.Key()
	if disabled || !s.isActive() {
		return
	}
	s.cancelRetry()
	s.ctx.metrics.Revalidations.Add(1)
	s.ctx.logger.Event(telemetry.LevelDebug, telemetry.NewCorrelationID(), key, "scheduled revalidation", nil)
	s.evaluate(false)
}

// Close tears down the store's key resolver. Intended for callers that
// will never reuse the handle (most consumers just let unsubscribe drive
// lifecycle and never call this).
func (s *FetcherStore) Close() {
	s.resolver.Close()
}

// errorsEqual compares two errors by identity, matching how a comparable
// sentinel or a consistently-wrapped error behaves under ==; distinct
// dynamic types or unexported struct errors simply compare unequal, which
// is the safe default (prefer a spurious notification over a panic, same
// rationale as valuesEqual).
func errorsEqual(a, b error) bool {
	return valuesEqual(a, b)
}

func resolveArgs(parts []any) []any {
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = resolveArgValue(p)
	}
	return args
}

func resolveArgValue(p any) any {
	switch v := p.(type) {
	case Atom:
		return resolveArgValue(v.Get())
	case *FetcherStore:
		key, _ := v.Key()
		return key
	default:
		return v
	}
}
