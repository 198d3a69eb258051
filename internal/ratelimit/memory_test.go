package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryStoreSequence(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	limit := Limit{RequestsPerWindow: 2, WindowSeconds: 60, BurstCapacity: 2}

	d1, _ := s.CheckAndConsume(ctx, "k", limit)
	d2, _ := s.CheckAndConsume(ctx, "k", limit)
	d3, _ := s.CheckAndConsume(ctx, "k", limit)

	if !d1.Allowed || d1.Remaining != 1 {
		t.Errorf("d1 = %+v", d1)
	}
	if !d2.Allowed || d2.Remaining != 0 {
		t.Errorf("d2 = %+v", d2)
	}
	if d3.Allowed {
		t.Errorf("d3 should be rejected: %+v", d3)
	}
	if d3.RetryAfterSeconds < 1 {
		t.Errorf("d3 retryAfter = %d", d3.RetryAfterSeconds)
	}
}

func TestMemoryStoreStatusMonotonic(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 10}

	d, _ := s.CheckAndConsume(ctx, "k", limit)
	st, _ := s.Status(ctx, "k", limit)
	// Status without consumption never reports less than the decision did
	// (refill can only add tokens).
	if st.Remaining < d.Remaining {
		t.Errorf("status remaining %d < decision remaining %d", st.Remaining, d.Remaining)
	}
	st2, _ := s.Status(ctx, "k", limit)
	if st2.Remaining < st.Remaining {
		t.Errorf("status consumed tokens: %d then %d", st.Remaining, st2.Remaining)
	}
}

func TestMemoryStoreConcurrentOvershootBound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 10}

	const workers = 8
	const perWorker = 25

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				d, _ := s.CheckAndConsume(ctx, "shared", limit)
				if d.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// 200 rapid calls against burst 10 at 1 token/s: allowed count is
	// bounded by capacity plus refill during the test plus one.
	if got := allowed.Load(); got > 10+2 {
		t.Errorf("allowed %d calls, overshoot bound exceeded", got)
	}
}

func TestMemoryStoreRemoveMatching(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	limit := Limit{RequestsPerWindow: 2, WindowSeconds: 60, BurstCapacity: 2}

	keys := []string{
		"rl:ws_msg:chat::u1:conn-42",
		"rl:ws_msg:chat::u2:conn-42",
		"rl:ws_msg:chat::u3:conn-77",
	}
	for _, k := range keys {
		s.CheckAndConsume(ctx, k, limit)
		s.CheckAndConsume(ctx, k, limit)
	}

	if err := s.RemoveMatching(ctx, "conn-42"); err != nil {
		t.Fatal(err)
	}
	if got := s.Size(); got != 1 {
		t.Errorf("size after removal = %d, want 1", got)
	}

	// Removed buckets start fresh.
	d, _ := s.CheckAndConsume(ctx, keys[0], limit)
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("fresh bucket decision = %+v", d)
	}
	// The surviving bucket keeps its drained state.
	d, _ = s.CheckAndConsume(ctx, keys[2], limit)
	if d.Allowed {
		t.Errorf("surviving bucket should be exhausted: %+v", d)
	}
}
