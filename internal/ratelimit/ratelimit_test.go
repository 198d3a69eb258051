package ratelimit

import (
	"testing"
)

func TestKeyString(t *testing.T) {
	k := Key{Type: KeyHTTP, Service: "users", Endpoint: "list", Client: "10.1.2.3"}
	if got := k.String(); got != "rl:http:users:list:10.1.2.3" {
		t.Errorf("Key.String() = %q", got)
	}

	k = Key{Type: KeyWSMsg, Service: "chat", Client: "u-9", Conn: "conn-42"}
	if got := k.String(); got != "rl:ws_msg:chat::u-9:conn-42" {
		t.Errorf("Key.String() = %q", got)
	}
}

func TestResolve(t *testing.T) {
	platform := Platform{
		Default:              Limit{RequestsPerWindow: 100, WindowSeconds: 60, BurstCapacity: 100},
		MaxRequestsPerWindow: 500,
		MaxBurstCapacity:     500,
	}

	tests := []struct {
		name              string
		endpoint, service *Limit
		want              Limit
	}{
		{
			name: "platform default",
			want: Limit{RequestsPerWindow: 100, WindowSeconds: 60, BurstCapacity: 100},
		},
		{
			name:    "service override",
			service: &Limit{RequestsPerWindow: 10, WindowSeconds: 30, BurstCapacity: 20},
			want:    Limit{RequestsPerWindow: 10, WindowSeconds: 30, BurstCapacity: 20},
		},
		{
			name:     "endpoint beats service",
			endpoint: &Limit{RequestsPerWindow: 5, WindowSeconds: 10, BurstCapacity: 5},
			service:  &Limit{RequestsPerWindow: 10, WindowSeconds: 30, BurstCapacity: 20},
			want:     Limit{RequestsPerWindow: 5, WindowSeconds: 10, BurstCapacity: 5},
		},
		{
			name:     "capped at platform maxima",
			endpoint: &Limit{RequestsPerWindow: 9999, WindowSeconds: 60, BurstCapacity: 9999},
			want:     Limit{RequestsPerWindow: 500, WindowSeconds: 60, BurstCapacity: 500},
		},
		{
			name:     "burst defaults to rate",
			endpoint: &Limit{RequestsPerWindow: 7, WindowSeconds: 60},
			want:     Limit{RequestsPerWindow: 7, WindowSeconds: 60, BurstCapacity: 7},
		},
		{
			name:     "missing window takes platform window",
			endpoint: &Limit{RequestsPerWindow: 7, BurstCapacity: 7},
			want:     Limit{RequestsPerWindow: 7, WindowSeconds: 60, BurstCapacity: 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := platform.Resolve(tt.endpoint, tt.service); got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTokenBucketFirstAccess(t *testing.T) {
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 10}

	d, state := TokenBucket(nil, limit, 1_000_000)
	if !d.Allowed {
		t.Fatal("first access must be allowed")
	}
	if d.Remaining != 9 {
		t.Errorf("remaining = %d, want 9", d.Remaining)
	}
	if state.Tokens != 9 || state.LastRefillMillis != 1_000_000 {
		t.Errorf("state = %+v", state)
	}
	if d.RequestCount != 1 {
		t.Errorf("count = %d, want 1", d.RequestCount)
	}
}

func TestTokenBucketExhaustionAndRefill(t *testing.T) {
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 2}
	now := int64(1_000_000)

	d, state := TokenBucket(nil, limit, now)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("first: %+v", d)
	}
	d, state = TokenBucket(&state, limit, now)
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second: %+v", d)
	}

	d, state = TokenBucket(&state, limit, now)
	if d.Allowed {
		t.Fatal("third immediate call must be rejected")
	}
	if d.RetryAfterSeconds < 1 {
		t.Errorf("retryAfter = %d, want >= 1", d.RetryAfterSeconds)
	}

	// One token refills per second at 60 req/60s.
	d, _ = TokenBucket(&state, limit, now+1100)
	if !d.Allowed {
		t.Error("call after refill interval must be allowed")
	}
}

func TestTokenBucketClockSkew(t *testing.T) {
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 5}

	_, state := TokenBucket(nil, limit, 2_000_000)
	// A clock that steps backwards must not refill.
	d, _ := TokenBucket(&state, limit, 1_000_000)
	if d.Remaining > 3 {
		t.Errorf("backwards clock refilled tokens: %+v", d)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	limit := Limit{RequestsPerWindow: 60, WindowSeconds: 60, BurstCapacity: 3}
	now := int64(1_000_000)

	_, state := TokenBucket(nil, limit, now)
	before := Peek(&state, limit, now)
	again := Peek(&state, limit, now)
	if before.Remaining != again.Remaining {
		t.Errorf("Peek consumed: %d then %d", before.Remaining, again.Remaining)
	}
	if before.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", before.Remaining)
	}
}
