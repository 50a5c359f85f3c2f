package shard

import (
	"fmt"
	"testing"
)

func TestRing_Deterministic(t *testing.T) {
	r := New(8, 0)
	key := "users:42"
	first := r.GetShard(key)
	for i := 0; i < 100; i++ {
		if got := r.GetShard(key); got != first {
			t.Fatalf("GetShard(%q) not deterministic: got %d, want %d", key, got, first)
		}
	}
}

func TestRing_ShardInRange(t *testing.T) {
	r := New(16, 0)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key:%d", i)
		shard := r.GetShard(key)
		if shard < 0 || shard >= 16 {
			t.Fatalf("shard %d out of range [0,16) for key %q", shard, key)
		}
	}
}

func TestRing_Distribution(t *testing.T) {
	numShards := 8
	r := New(numShards, 0)
	counts := make([]int, numShards)
	const n = 5000
	for i := 0; i < n; i++ {
		counts[r.GetShard(fmt.Sprintf("item-%d", i))]++
	}

	avg := n / numShards
	for shard, count := range counts {
		if count < avg/3 || count > avg*3 {
			t.Errorf("shard %d got %d keys, expected roughly %d (too skewed)", shard, count, avg)
		}
	}
}

func TestRing_SingleShard(t *testing.T) {
	r := New(1, 0)
	if got := r.GetShard("anything"); got != 0 {
		t.Fatalf("expected shard 0 for a single-shard ring, got %d", got)
	}
}

func TestRing_ZeroShardsDefaultsToOne(t *testing.T) {
	r := New(0, 0)
	if got := r.GetShard("k"); got != 0 {
		t.Fatalf("expected zero numShards to default to a single shard, got %d", got)
	}
}
