package nanoquery

import (
	"sync"

	"github.com/nanoquery-dev/nanoquery/internal/telemetry"
)

// MutatorValue is the published state of a mutator store.
type MutatorValue struct {
	Loading bool
	Data    any
	Error   error
}

// MutationResult is the terminal outcome of one mutate() invocation.
type MutationResult struct {
	Data any
	Err  error
}

// MutationHandle is returned by Mutate, standing in for the "promise of the
// underlying mutation" §6 describes; Wait blocks until the mutation (or the
// in-flight mutation it was throttled onto) settles.
type MutationHandle struct {
	call *mutationCall
}

// Wait blocks until the mutation settles and returns its result.
func (h *MutationHandle) Wait() (any, error) {
	<-h.call.done
	return h.call.result.Data, h.call.result.Err
}

type mutationCall struct {
	done   chan struct{}
	result MutationResult
}

// MutationContext is passed to the user's mutation function: the argument
// passed to Mutate, plus capabilities to invalidate keys and to optimistically
// rewrite specific cache entries.
type MutationContext struct {
	ctx  *Context
	Data any

	mu     sync.Mutex
	queued []string
}

// Invalidate invalidates every key matching selector immediately (not
// queued — queued invalidation is only what GetCacheUpdater schedules for
// after settle).
func (mc *MutationContext) Invalidate(selector Selector) {
	for _, key := range resolveSelector(mc.ctx, selector) {
		mc.ctx.invalidateKey(key)
	}
}

// GetCacheUpdater returns a setter for key's cache entry and the entry's
// previous data (nil if none). Calling setter writes the cache and
// republishes to every active fetcher store on that key. If autoInvalidate
// is true, key is queued for invalidation once the owning
// mutation settles, so the optimistic value is confirmed (or corrected) by
// a real refetch; the setter itself still writes unconditionally even if
// nothing currently owns the key, per the "programmer misuse" error-design
// entry in §7 — this is deliberately not an error.
func (mc *MutationContext) GetCacheUpdater(key string, autoInvalidate bool) (setter func(any), previous any) {
	if entry, ok := mc.ctx.cache.Get(key); ok {
		previous = entry.Data
	}

	setter = func(v any) {
		now := mc.ctx.now()
		mc.ctx.cache.Set(key, CacheEntry{Data: v, Created: now, Expires: now.Add(mc.ctx.defaultCacheLifetime())})
		mc.ctx.mutatorMetrics.OptimisticWrites.Add(1)
		mc.ctx.publishOptimistic(key, v, autoInvalidate)

		if autoInvalidate {
			mc.mu.Lock()
			mc.queued = append(mc.queued, key)
			mc.mu.Unlock()
			mc.ctx.mutatorMetrics.QueuedInvalidates.Add(1)
		}
	}
	return setter, previous
}

func (mc *MutationContext) runQueuedInvalidations() {
	mc.mu.Lock()
	keys := mc.queued
	mc.queued = nil
	mc.mu.Unlock()
	for _, key := range keys {
		mc.ctx.invalidateKey(key)
	}
}

// MutatorStore is the consumer-facing handle returned by makeMutator.
type MutatorStore struct {
	ctx  *Context
	fn   MutationFunc
	opts resolved

	mu              sync.Mutex
	value           MutatorValue
	subs            map[int]func(MutatorValue)
	nextSubID       int
	subscriberCount int
	inflight        *mutationCall
}

func newMutatorStore(ctx *Context, fn MutationFunc, perStore Options) *MutatorStore {
	return &MutatorStore{
		ctx:  ctx,
		fn:   fn,
		opts: ctx.resolveOptions(perStore),
	}
}

// Get returns the store's currently published value.
func (s *MutatorStore) Get() MutatorValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe attaches a listener, delivering the current value immediately.
// When the last subscriber leaves, data/error reset to zero: the mutator
// store is a one-shot result surface, not a cache.
func (s *MutatorStore) Subscribe(fn func(MutatorValue)) (unsubscribe func()) {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]func(MutatorValue))
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subscriberCount++
	current := s.value
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.subscriberCount--
		last := s.subscriberCount == 0
		if last {
			s.value = MutatorValue{}
		}
		s.mu.Unlock()
	}
}

func (s *MutatorStore) publish(v MutatorValue) {
	s.mu.Lock()
	s.value = v
	fns := make([]func(MutatorValue), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Mutate runs the mutation function, or — if throttleCalls is true
// (default) and one is already in flight — returns a handle onto that same
// in-flight call instead of invoking the function a second time.
func (s *MutatorStore) Mutate(arg any) *MutationHandle {
	s.mu.Lock()
	if s.opts.ThrottleCalls && s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		s.ctx.mutatorMetrics.Throttled.Add(1)
		return &MutationHandle{call: call}
	}
	call := &mutationCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	s.ctx.mutatorMetrics.Invocations.Add(1)
	s.publish(MutatorValue{Loading: true})
	correlationID := telemetry.NewCorrelationID()
	s.ctx.logger.Event(telemetry.LevelDebug, correlationID, "", "mutation started", nil)

	go func() {
		mc := &MutationContext{ctx: s.ctx, Data: arg}
		var result any
		var err error
		if s.fn == nil {
			err = ErrNoMutation
		} else {
			result, err = s.fn(mc, arg)
		}

		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()

		if err != nil {
			s.ctx.mutatorMetrics.Failed.Add(1)
			s.ctx.logger.Event(telemetry.LevelWarn, correlationID, "", "mutation failed", map[string]any{"error": err.Error()})
			if s.opts.OnError != nil {
				s.opts.OnError(err, "")
			}
			s.publish(MutatorValue{Loading: false, Error: err})
		} else {
			s.ctx.mutatorMetrics.Succeeded.Add(1)
			s.ctx.logger.Event(telemetry.LevelDebug, correlationID, "", "mutation succeeded", nil)
			s.publish(MutatorValue{Loading: false, Data: result})
			mc.runQueuedInvalidations()
		}

		call.result = MutationResult{Data: result, Err: err}
		close(call.done)
	}()

	return &MutationHandle{call: call}
}
