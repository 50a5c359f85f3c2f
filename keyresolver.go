package nanoquery

import (
	"fmt"
	"sync"
)

// keyResolver turns a key specification into a canonical key string (or
// marks it disabled), and recomputes whenever any reactive part it
// subscribed to changes. Go has no implicit microtask queue, so coalescing
// is implemented with a size-1 buffered channel plus a goroutine that drains
// it after the fact, per the cooperative "end of tick" hook §9 calls for in
// languages without one. Changes that arrive before that goroutine next
// wakes collapse into one recomputation; the goroutine does not wait for a
// caller's sequence of synchronous changes to finish, so a change that
// lands after it has woken triggers a further recomputation.
type keyResolver struct {
	parts    []any
	onChange func()

	mu       sync.RWMutex
	current  string
	disabled bool

	unsubs  []func()
	pending chan struct{}
	done    chan struct{}
}

// newKeyResolver builds a resolver over parts and performs the initial
// resolution. onChange is invoked (from the resolver's own goroutine,
// never synchronously from here) every time a later recomputation changes
// the resolved key or disabled state.
func newKeyResolver(parts []any, onChange func()) *keyResolver {
	r := &keyResolver{
		parts:    parts,
		onChange: onChange,
		pending:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.current, r.disabled = resolveParts(parts)
	r.subscribeAll()
	go r.loop()
	return r
}

// Key returns the most recently resolved canonical key, and whether it is
// currently disabled (in which case Key returns ""). Safe to call from any
// goroutine: the resolved key/disabled pair is written by loop() and read
// from callers like onSettle/Invalidate on other goroutines.
func (r *keyResolver) Key() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.disabled
}

// Close unsubscribes from every reactive part and stops the coalescing
// goroutine. Mirrors a fetcher store's deactivation on last-unsubscribe.
func (r *keyResolver) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	close(r.done)
}

func (r *keyResolver) subscribeAll() {
	for _, p := range r.parts {
		switch v := p.(type) {
		case Atom:
			r.unsubs = append(r.unsubs, v.Listen(func(any) { r.schedule() }))
		case *FetcherStore:
			r.unsubs = append(r.unsubs, v.onKeyChange(func() { r.schedule() }))
		}
	}
}

// schedule signals the coalescing goroutine that a recomputation is due.
// Any number of calls before the goroutine next wakes collapse into one.
func (r *keyResolver) schedule() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func (r *keyResolver) loop() {
	for {
		select {
		case <-r.pending:
			key, disabled := resolveParts(r.parts)
			r.mu.Lock()
			unchanged := key == r.current && disabled == r.disabled
			if !unchanged {
				r.current, r.disabled = key, disabled
			}
			r.mu.Unlock()
			if unchanged {
				continue
			}
			if r.onChange != nil {
				r.onChange()
			}
		case <-r.done:
			return
		}
	}
}

// resolveParts computes the canonical key for a sequence of key parts, or
// reports disabled if any part resolves to nil. Parts concatenate with no
// separator, in order, per the canonical key definition.
func resolveParts(parts []any) (key string, disabled bool) {
	out := make([]byte, 0, 32)
	for _, p := range parts {
		s, ok := resolvePart(p)
		if !ok {
			return "", true
		}
		out = append(out, s...)
	}
	return string(out), false
}

// resolvePart resolves a single key part: a scalar stringifies directly, an
// Atom contributes its current value (resolved recursively, so an atom
// holding another atom still bottoms out at a scalar), and a fetcher store
// contributes its upstream canonical key string rather than its data — so a
// dependent store's identity tracks the upstream key, not the upstream
// result. An upstream store that is itself disabled makes this part (and so
// the whole composite) disabled too, since an empty upstream key is not a
// meaningful identity to depend on.
func resolvePart(p any) (string, bool) {
	switch v := p.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case Atom:
		return resolvePart(v.Get())
	case *FetcherStore:
		key, disabled := v.Key()
		if disabled {
			return "", false
		}
		return key, true
	default:
		return fmt.Sprint(v), true
	}
}
