package nanoquery

import "sync"

// registry is the Context/Registry component's multimap: canonical key to
// the set of currently-registered fetcher stores, used to fan out
// invalidation and cache-mutation events without the Context needing to
// know about every store that ever existed, only the ones presently
// resolved to a given key.
type registry struct {
	mu     sync.RWMutex
	byKey  map[string]map[*FetcherStore]struct{}
}

func newRegistry() *registry {
	return &registry{byKey: make(map[string]map[*FetcherStore]struct{})}
}

func (r *registry) add(key string, s *FetcherStore) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byKey[key]
	if !ok {
		set = make(map[*FetcherStore]struct{})
		r.byKey[key] = set
	}
	set[s] = struct{}{}
}

func (r *registry) remove(key string, s *FetcherStore) {
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.byKey, key)
	}
}

// storesFor returns the stores currently registered under key.
func (r *registry) storesFor(key string) []*FetcherStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byKey[key]
	if !ok {
		return nil
	}
	out := make([]*FetcherStore, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// keys returns every canonical key with at least one active store.
func (r *registry) keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	return out
}

// reregisterStore moves s from its previously-registered key (if any) to
// its current resolved key, or drops it from the registry entirely if the
// store is now disabled.
func (c *Context) reregisterStore(s *FetcherStore) {
	key, disabled := s.Key()

	s.mu.Lock()
	old := s.registeredKey
	s.mu.Unlock()

	if old != "" && old != key {
		c.registry.remove(old, s)
	}

	if disabled {
		s.mu.Lock()
		s.registeredKey = ""
		s.mu.Unlock()
		return
	}

	c.registry.add(key, s)
	s.mu.Lock()
	s.registeredKey = key
	s.mu.Unlock()
}

// unregisterStore removes s from the registry entirely, called on
// deactivation (last unsubscribe).
func (c *Context) unregisterStore(s *FetcherStore) {
	s.mu.Lock()
	old := s.registeredKey
	s.registeredKey = ""
	s.mu.Unlock()
	c.registry.remove(old, s)
}
