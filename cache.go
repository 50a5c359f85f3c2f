package nanoquery

import (
	"sync"
	"time"

	"github.com/nanoquery-dev/nanoquery/internal/shard"
)

// CacheEntry is one cached fetch result, keyed by canonical key. Expires is
// the absolute instant the entry stops being servable as cache (not just
// stale); a stale-but-unexpired entry is still returned immediately while a
// background revalidation runs, per §4.3.
type CacheEntry struct {
	Data    any
	Err     error
	Created time.Time
	Expires time.Time
}

// Expired reports whether the entry's cache lifetime has elapsed as of now.
// Replacement is purely time-based: there is no count- or size-based
// eviction in the Cache Store, so this is the only way an entry leaves the
// store short of an explicit Delete.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

type cacheShard struct {
	mu   sync.RWMutex
	data map[string]CacheEntry
}

// CacheStore is the Cache Store component: a sharded, time-based, in-memory
// map from canonical key to CacheEntry. Sharding follows the distributed
// caching system's own documented scaling note ("for >1M keys, consider
// sharding L1 across multiple sync.RWMutex instances") using the same
// consistent-hash ring adapted for fixed in-process shards rather than
// remote nodes.
type CacheStore struct {
	ring   *shard.Ring
	shards []*cacheShard
}

// NewCacheStore builds a CacheStore with numShards fixed shards. numShards
// <= 1 degrades to a single shard (one RWMutex for the whole store), which
// is the correct choice for small/test instances.
func NewCacheStore(numShards int) *CacheStore {
	if numShards < 1 {
		numShards = 1
	}
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{data: make(map[string]CacheEntry)}
	}
	return &CacheStore{
		ring:   shard.New(numShards, shard.DefaultReplicas),
		shards: shards,
	}
}

func (c *CacheStore) shardFor(key string) *cacheShard {
	return c.shards[c.ring.GetShard(key)]
}

// Get returns the entry for key and whether it was present. It does not
// evaluate expiry; callers decide freshness using Expired.
func (c *CacheStore) Get(key string) (CacheEntry, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	return entry, ok
}

// Set stores entry under key, replacing any previous value.
func (c *CacheStore) Set(key string, entry CacheEntry) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.data[key] = entry
	s.mu.Unlock()
}

// Delete removes key from the store, if present.
func (c *CacheStore) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Keys returns every key currently in the store, across all shards. Used by
// selector resolution (wildcard/predicate invalidation and mutation) to
// find the candidate set before narrowing with a pattern or predicate.
func (c *CacheStore) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		s.mu.RLock()
		for k := range s.data {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Scan returns the keys for which keep returns true, evaluating keep under
// each shard's read lock so entries can't change mid-predicate.
func (c *CacheStore) Scan(keep func(key string, entry CacheEntry) bool) []string {
	var matches []string
	for _, s := range c.shards {
		s.mu.RLock()
		for k, v := range s.data {
			if keep(k, v) {
				matches = append(matches, k)
			}
		}
		s.mu.RUnlock()
	}
	return matches
}

// CleanupExpired removes every entry whose cache lifetime has elapsed as of
// now. Nothing in the engine requires this to run (expired entries are
// simply never served for reads and get overwritten by resolved fetches),
// but running it periodically keeps long-lived disabled/unused keys from
// accumulating in memory forever.
func (c *CacheStore) CleanupExpired(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.data {
			if v.Expired(now) {
				delete(s.data, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Size returns the total number of entries across all shards.
func (c *CacheStore) Size() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.data)
		s.mu.RUnlock()
	}
	return total
}
