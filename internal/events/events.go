// Package events carries the gateway's cross-instance notifications:
// registry invalidations and session logouts.
package events

import (
	"context"
	"sync"
)

// SessionInvalidated is published when a user logs out. WebSocket sessions
// matching either field are closed.
type SessionInvalidated struct {
	UserID        string `json:"user_id"`
	AuthSessionID string `json:"auth_session_id"`
}

// RegistryInvalidated is published after a service write so peers drop
// their cached snapshot.
type RegistryInvalidated struct {
	ServiceID string `json:"service_id"`
}

// Bus is the pub/sub port. Delivery is best-effort and at-most-once per
// subscriber; consumers must tolerate missed events (caches expire by TTL).
type Bus interface {
	PublishSessionInvalidated(ctx context.Context, ev SessionInvalidated) error
	PublishRegistryInvalidated(ctx context.Context, ev RegistryInvalidated) error
	SubscribeSessionInvalidated(fn func(SessionInvalidated))
	SubscribeRegistryInvalidated(fn func(RegistryInvalidated))
	Close() error
}

// MemoryBus delivers events synchronously in-process. It backs
// single-instance deployments and tests.
type MemoryBus struct {
	mu           sync.RWMutex
	sessionSubs  []func(SessionInvalidated)
	registrySubs []func(RegistryInvalidated)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishSessionInvalidated(_ context.Context, ev SessionInvalidated) error {
	b.mu.RLock()
	subs := b.sessionSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) PublishRegistryInvalidated(_ context.Context, ev RegistryInvalidated) error {
	b.mu.RLock()
	subs := b.registrySubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) SubscribeSessionInvalidated(fn func(SessionInvalidated)) {
	b.mu.Lock()
	b.sessionSubs = append(b.sessionSubs, fn)
	b.mu.Unlock()
}

func (b *MemoryBus) SubscribeRegistryInvalidated(fn func(RegistryInvalidated)) {
	b.mu.Lock()
	b.registrySubs = append(b.registrySubs, fn)
	b.mu.Unlock()
}

func (b *MemoryBus) Close() error { return nil }
