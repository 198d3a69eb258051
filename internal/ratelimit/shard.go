package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// shard is a single partition of the sharded bucket map.
type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// entry is one bucket plus the metadata the janitor needs.
type entry struct {
	state        BucketState
	lastAccessMs int64
	windowMs     int64
}

// shardedMap splits buckets across fixed shards to reduce lock contention.
// The per-key update runs inside the shard lock so check-and-consume is
// linearizable per key.
type shardedMap struct {
	shards [numShards]shard
}

func newShardedMap() *shardedMap {
	var m shardedMap
	for i := range m.shards {
		m.shards[i].items = make(map[string]*entry)
	}
	return &m
}

func (m *shardedMap) getShard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// compute runs fn on the entry for key under the shard lock. fn receives
// nil when the key is absent and returns the entry to store.
func (m *shardedMap) compute(key string, fn func(e *entry) *entry) {
	s := m.getShard(key)
	s.mu.Lock()
	if next := fn(s.items[key]); next != nil {
		s.items[key] = next
	}
	s.mu.Unlock()
}

// peek returns a copy of the entry for key.
func (m *shardedMap) peek(key string) (entry, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return entry{}, false
	}
	cp := *e
	s.mu.Unlock()
	return cp, true
}

// deleteFunc removes every entry for which fn returns true and reports how
// many were removed.
func (m *shardedMap) deleteFunc(fn func(key string, e *entry) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, e := range s.items {
			if fn(k, e) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// size returns the total entry count across shards.
func (m *shardedMap) size() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
