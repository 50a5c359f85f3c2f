// Package shard provides consistent-hash partitioning for the cache store.
//
// Adapted from the distributed caching system's node-placement hash ring:
// here the "nodes" are fixed in-process shards (each guarding its own
// sync.RWMutex) rather than remote cache instances, so AddNode/RemoveNode
// at runtime are not needed — the ring is built once at construction with
// a static shard count and only ever answers GetShard lookups.
package shard

import (
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the number of virtual nodes per shard.
const DefaultReplicas = 150

// Ring maps canonical keys to a fixed set of shard indices by consistent
// hashing, so resharding (if the shard count ever changes) redistributes a
// minimal fraction of keys instead of all of them.
type Ring struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64
	owners   map[uint64]int
}

// New builds a ring with the given number of shards and virtual-node
// replication factor. replicas <= 0 uses DefaultReplicas.
func New(numShards, replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if numShards <= 0 {
		numShards = 1
	}

	r := &Ring{
		replicas: replicas,
		owners:   make(map[uint64]int, numShards*replicas),
	}

	for shard := 0; shard < numShards; shard++ {
		for v := 0; v < replicas; v++ {
			h := hashVirtualNode(shard, v)
			r.owners[h] = shard
			r.keys = append(r.keys, h)
		}
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })

	return r
}

// GetShard returns the shard index responsible for key.
func (r *Ring) GetShard(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return 0
	}

	h := hashKey(key)
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.owners[r.keys[idx]]
}

func hashVirtualNode(shard, replica int) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte{byte(shard), byte(shard >> 8), byte(shard >> 16), byte(shard >> 24)})
	hasher.Write([]byte{byte(replica), byte(replica >> 8)})
	return mix64(hasher.Sum64())
}

func hashKey(key string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))
	return mix64(hasher.Sum64())
}

// mix64 spreads FNV-1a's output across all 64 bits; raw FNV-1a of short,
// similar inputs clusters in the high bits and skews the ring.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
