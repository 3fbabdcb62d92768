package cache

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/roosthq/roost/internal/logging"
)

// DefaultInvalidationChannel is the Redis Pub/Sub channel carrying cache
// invalidation signals between cages. When a cage invalidates cached reads
// after a write, it publishes the affected cache keys; sibling cages holding
// the same resource cache evict them without waiting for TTL expiry. This
// keeps the declared best-effort coherence, nothing stronger.
const DefaultInvalidationChannel = "roost:cache:invalidate"

// Broadcaster fans cache invalidations out over Redis Pub/Sub and applies
// incoming ones to a local cache.
type Broadcaster struct {
	local   *RWCache
	client  *redis.Client
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewBroadcaster wires a local cache to the invalidation channel. An empty
// channel name selects DefaultInvalidationChannel.
func NewBroadcaster(local *RWCache, client *redis.Client, channel string) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	b := &Broadcaster{local: local, client: client, channel: channel}
	local.SetOnInvalidate(func(keys []string) {
		if err := b.Publish(context.Background(), keys...); err != nil {
			logging.Op().Warn("cache invalidation publish failed",
				"cache", local.Name(), "error", err)
		}
	})
	return b
}

// Start listens for invalidation signals until the context is cancelled or
// Close is called.
func (b *Broadcaster) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	pubsub := b.client.Subscribe(subCtx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.local.Cache.Delete(msg.Payload)
		}
	}
}

// Publish announces invalidated cache keys to sibling cages.
func (b *Broadcaster) Publish(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := b.client.Publish(ctx, b.channel, key).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the listener.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
