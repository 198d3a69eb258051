// Package ratelimit implements the token-bucket rate-limit engine behind
// HTTP requests, WebSocket connections and WebSocket messages.
package ratelimit

import (
	"math"
	"strings"
)

// KeyType names the traffic class a bucket throttles.
type KeyType string

const (
	KeyHTTP   KeyType = "http"
	KeyWSConn KeyType = "ws_conn"
	KeyWSMsg  KeyType = "ws_msg"
)

// Key identifies one bucket. Client is the caller fingerprint (user id or
// IP); Conn is set only for per-connection message buckets.
type Key struct {
	Type     KeyType
	Service  string
	Endpoint string
	Client   string
	Conn     string
}

// String renders the storage key. Segments are fixed-position so that
// RemoveMatching can select by connection id.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString("rl:")
	b.WriteString(string(k.Type))
	b.WriteByte(':')
	b.WriteString(k.Service)
	b.WriteByte(':')
	b.WriteString(k.Endpoint)
	b.WriteByte(':')
	b.WriteString(k.Client)
	if k.Conn != "" {
		b.WriteByte(':')
		b.WriteString(k.Conn)
	}
	return b.String()
}

// Limit is an effective rate limit after override resolution.
type Limit struct {
	RequestsPerWindow int
	WindowSeconds     int
	BurstCapacity     int
}

// RefillRate returns tokens per second.
func (l Limit) RefillRate() float64 {
	if l.WindowSeconds <= 0 {
		return 0
	}
	return float64(l.RequestsPerWindow) / float64(l.WindowSeconds)
}

// Valid reports whether the limit can back a bucket.
func (l Limit) Valid() bool {
	return l.RequestsPerWindow > 0 && l.WindowSeconds > 0 && l.BurstCapacity > 0
}

// Platform holds the default limit and the caps applied to every override.
type Platform struct {
	Default              Limit
	MaxRequestsPerWindow int
	MaxBurstCapacity     int
}

// Resolve picks the effective limit: endpoint override, then service
// override, then the platform default. Overrides are capped at the platform
// maxima.
func (p Platform) Resolve(endpoint, service *Limit) Limit {
	l := p.Default
	switch {
	case endpoint != nil:
		l = *endpoint
	case service != nil:
		l = *service
	}
	if l.WindowSeconds <= 0 {
		l.WindowSeconds = p.Default.WindowSeconds
	}
	if l.BurstCapacity <= 0 {
		l.BurstCapacity = l.RequestsPerWindow
	}
	if p.MaxRequestsPerWindow > 0 && l.RequestsPerWindow > p.MaxRequestsPerWindow {
		l.RequestsPerWindow = p.MaxRequestsPerWindow
	}
	if p.MaxBurstCapacity > 0 && l.BurstCapacity > p.MaxBurstCapacity {
		l.BurstCapacity = p.MaxBurstCapacity
	}
	return l
}

// BucketState is the persisted token-bucket state. Count tallies allowed
// requests over the bucket's lifetime.
type BucketState struct {
	Tokens           float64
	LastRefillMillis int64
	Count            int64
}

// Decision is the outcome of one check-and-consume call.
type Decision struct {
	Allowed           bool
	Limit             int
	Remaining         int
	WindowSeconds     int
	ResetAt           int64 // unix seconds when the bucket is full again
	RetryAfterSeconds int
	RequestCount      int64
}

// TokenBucket is the algorithm handler: given the previous state (nil on
// first access), the limit and the current time, it returns the decision
// and the state to persist. Callers must serialize invocations per key.
func TokenBucket(state *BucketState, limit Limit, nowMs int64) (Decision, BucketState) {
	capacity := float64(limit.BurstCapacity)
	rate := limit.RefillRate()

	var tokens float64
	if state == nil {
		tokens = capacity
	} else {
		elapsed := nowMs - state.LastRefillMillis
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = math.Min(capacity, state.Tokens+float64(elapsed)/1000.0*rate)
	}

	d := Decision{
		Limit:         limit.RequestsPerWindow,
		WindowSeconds: limit.WindowSeconds,
	}
	var count int64
	if state != nil {
		count = state.Count
	}

	if tokens >= 1 {
		d.Allowed = true
		tokens--
		count++
		d.Remaining = int(tokens)
	} else {
		retry := 1
		if rate > 0 {
			retry = int(math.Ceil((1 - tokens) / rate))
			if retry < 1 {
				retry = 1
			}
		}
		d.RetryAfterSeconds = retry
	}

	nowSec := nowMs / 1000
	if rate > 0 {
		d.ResetAt = nowSec + int64(math.Ceil((capacity-tokens)/rate))
	} else {
		d.ResetAt = nowSec + int64(limit.WindowSeconds)
	}
	d.RequestCount = count

	return d, BucketState{Tokens: tokens, LastRefillMillis: nowMs, Count: count}
}

// Peek computes the decision a fresh check would return without consuming a
// token. Used by status queries.
func Peek(state *BucketState, limit Limit, nowMs int64) Decision {
	capacity := float64(limit.BurstCapacity)
	rate := limit.RefillRate()

	tokens := capacity
	if state != nil {
		elapsed := nowMs - state.LastRefillMillis
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = math.Min(capacity, state.Tokens+float64(elapsed)/1000.0*rate)
	}

	d := Decision{
		Allowed:       tokens >= 1,
		Limit:         limit.RequestsPerWindow,
		Remaining:     int(tokens),
		WindowSeconds: limit.WindowSeconds,
	}
	nowSec := nowMs / 1000
	if rate > 0 {
		d.ResetAt = nowSec + int64(math.Ceil((capacity-tokens)/rate))
	} else {
		d.ResetAt = nowSec + int64(limit.WindowSeconds)
	}
	return d
}
