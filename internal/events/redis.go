package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aussie/gateway/internal/logging"
)

const (
	sessionChannel  = "aussie:events:session"
	registryChannel = "aussie:events:registry"
)

// RedisBus fans events out across gateway instances over Redis pub/sub.
// The subscriber reconnects with exponential backoff; events published
// while disconnected are lost, which the TTL-based caches absorb.
type RedisBus struct {
	rdb    redis.UniversalClient
	cancel context.CancelFunc

	mu           sync.RWMutex
	sessionSubs  []func(SessionInvalidated)
	registrySubs []func(RegistryInvalidated)
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{rdb: rdb, cancel: cancel}
	go b.consume(ctx)
	return b
}

func (b *RedisBus) PublishSessionInvalidated(ctx context.Context, ev SessionInvalidated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, sessionChannel, payload).Err()
}

func (b *RedisBus) PublishRegistryInvalidated(ctx context.Context, ev RegistryInvalidated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, registryChannel, payload).Err()
}

func (b *RedisBus) SubscribeSessionInvalidated(fn func(SessionInvalidated)) {
	b.mu.Lock()
	b.sessionSubs = append(b.sessionSubs, fn)
	b.mu.Unlock()
}

func (b *RedisBus) SubscribeRegistryInvalidated(fn func(RegistryInvalidated)) {
	b.mu.Lock()
	b.registrySubs = append(b.registrySubs, fn)
	b.mu.Unlock()
}

func (b *RedisBus) Close() error {
	b.cancel()
	return nil
}

// consume subscribes to both channels and dispatches messages until the
// bus is closed, reconnecting on failure.
func (b *RedisBus) consume(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(0), // retry forever
		backoff.WithMaxInterval(30*time.Second),
	), ctx)

	op := func() error {
		sub := b.rdb.Subscribe(ctx, sessionChannel, registryChannel)
		defer sub.Close()

		// Confirm the subscription before reading.
		if _, err := sub.Receive(ctx); err != nil {
			return err
		}
		policy.Reset()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case msg, ok := <-ch:
				if !ok {
					return errors.New("subscription channel closed")
				}
				b.dispatch(msg)
			}
		}
	}

	if err := backoff.Retry(func() error {
		err := op()
		if err != nil && ctx.Err() == nil {
			logging.Warn("event subscriber disconnected, retrying", zap.Error(err))
		}
		return err
	}, policy); err != nil && ctx.Err() == nil {
		logging.Error("event subscriber gave up", zap.Error(err))
	}
}

func (b *RedisBus) dispatch(msg *redis.Message) {
	switch msg.Channel {
	case sessionChannel:
		var ev SessionInvalidated
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logging.Warn("bad session event payload", zap.Error(err))
			return
		}
		b.mu.RLock()
		subs := b.sessionSubs
		b.mu.RUnlock()
		for _, fn := range subs {
			fn(ev)
		}
	case registryChannel:
		var ev RegistryInvalidated
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logging.Warn("bad registry event payload", zap.Error(err))
			return
		}
		b.mu.RLock()
		subs := b.registrySubs
		b.mu.RUnlock()
		for _, fn := range subs {
			fn(ev)
		}
	}
}
