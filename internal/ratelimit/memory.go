package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/logging"
)

// Store is the bucket backend behind the engine.
type Store interface {
	// CheckAndConsume runs the token-bucket algorithm atomically for key.
	CheckAndConsume(ctx context.Context, key string, limit Limit) (Decision, error)
	// Status reports the bucket state without consuming a token.
	Status(ctx context.Context, key string, limit Limit) (Decision, error)
	// RemoveMatching drops every bucket whose key contains substr.
	RemoveMatching(ctx context.Context, substr string) error
	Close() error
}

// MemoryStore keeps buckets in a sharded concurrent map. A single janitor
// evicts buckets idle for more than twice their window.
type MemoryStore struct {
	buckets *shardedMap
	stop    chan struct{}
	done    chan struct{}
}

// NewMemoryStore creates the store and starts its cleanup task.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		buckets: newShardedMap(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, limit Limit) (Decision, error) {
	now := time.Now().UnixMilli()
	var d Decision
	s.buckets.compute(key, func(e *entry) *entry {
		var prev *BucketState
		if e != nil {
			prev = &e.state
		}
		var next BucketState
		d, next = TokenBucket(prev, limit, now)
		return &entry{
			state:        next,
			lastAccessMs: now,
			windowMs:     int64(limit.WindowSeconds) * 1000,
		}
	})
	return d, nil
}

func (s *MemoryStore) Status(_ context.Context, key string, limit Limit) (Decision, error) {
	now := time.Now().UnixMilli()
	e, ok := s.buckets.peek(key)
	if !ok {
		return Peek(nil, limit, now), nil
	}
	return Peek(&e.state, limit, now), nil
}

func (s *MemoryStore) RemoveMatching(_ context.Context, substr string) error {
	s.buckets.deleteFunc(func(key string, _ *entry) bool {
		return strings.Contains(key, substr)
	})
	return nil
}

// Close stops the janitor and waits for it to exit.
func (s *MemoryStore) Close() error {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return nil
}

// janitor evicts buckets whose last access predates twice their window.
// Staleness is judged by access time, not the bucket's refill timestamp.
func (s *MemoryStore) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			removed := s.buckets.deleteFunc(func(_ string, e *entry) bool {
				return e.lastAccessMs < now-2*e.windowMs
			})
			if removed > 0 {
				logging.Debug("rate limit cleanup", zap.Int("evicted", removed))
			}
		}
	}
}

// Size returns the live bucket count, for the admin surface.
func (s *MemoryStore) Size() int {
	return s.buckets.size()
}
