package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/logging"
)

// Engine fronts a Store with override resolution and the fail-open policy:
// when the store errors the request is allowed and the error is recorded.
type Engine struct {
	store    Store
	platform Platform
	enabled  bool
	onError  func(err error)
}

// NewEngine creates the engine. onError is invoked on store failures so the
// caller can count them; nil is allowed.
func NewEngine(store Store, platform Platform, enabled bool, onError func(error)) *Engine {
	return &Engine{store: store, platform: platform, enabled: enabled, onError: onError}
}

// Enabled reports whether limiting is active at all.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Resolve picks the effective limit for a key's scope.
func (e *Engine) Resolve(endpoint, service *Limit) Limit {
	return e.platform.Resolve(endpoint, service)
}

// Check consumes one token from the key's bucket. A disabled engine, an
// invalid limit, or a failing store all yield an allowed decision.
func (e *Engine) Check(ctx context.Context, key Key, limit Limit) Decision {
	if !e.enabled || !limit.Valid() {
		return allowAll(limit)
	}

	d, err := e.store.CheckAndConsume(ctx, key.String(), limit)
	if err != nil {
		logging.Error("rate limit store failure, allowing request",
			zap.String("key", key.String()), zap.Error(err))
		if e.onError != nil {
			e.onError(err)
		}
		return allowAll(limit)
	}
	return d
}

// Status reports a key's bucket without consuming.
func (e *Engine) Status(ctx context.Context, key Key, limit Limit) Decision {
	if !e.enabled || !limit.Valid() {
		return allowAll(limit)
	}
	d, err := e.store.Status(ctx, key.String(), limit)
	if err != nil {
		if e.onError != nil {
			e.onError(err)
		}
		return allowAll(limit)
	}
	return d
}

// RemoveMatching releases every bucket whose key contains substr, such as a
// closed WebSocket session id.
func (e *Engine) RemoveMatching(ctx context.Context, substr string) {
	if err := e.store.RemoveMatching(ctx, substr); err != nil {
		logging.Warn("rate limit key cleanup failed",
			zap.String("match", substr), zap.Error(err))
	}
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func allowAll(limit Limit) Decision {
	return Decision{
		Allowed:       true,
		Limit:         limit.RequestsPerWindow,
		Remaining:     limit.BurstCapacity,
		WindowSeconds: limit.WindowSeconds,
	}
}
