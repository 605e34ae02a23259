// Package broker abstracts the shared coordination layer: distributed sets
// for the connection registry, per-connection pub/sub channels, durable
// streams for service updates, and TTL keys for presence and counter caches.
// Implementations: redis.Client and memory.Client (for -dev and tests).
package broker

import (
	"context"
	"time"
)

// StreamMessage is one durable-queue entry awaiting acknowledgement.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// Subscription is one open channel subscription. Messages is closed when
// the subscription is closed or the broker goes away.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Broker interface {
	// Set operations back the distributed connection registry.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	// SUnionAll unions all given sets in one round trip.
	SUnionAll(ctx context.Context, keys []string) ([]string, error)

	// Publish returns the number of receivers. Zero receivers on a
	// per-connection channel means the connection record is stale.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe completes the subscription handshake before returning, so a
	// publish issued after Subscribe returns is guaranteed to be seen.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Stream operations back the durable service-update queue.
	Append(ctx context.Context, stream string, payload []byte) error
	// Consume blocks for the next batch for the given consumer group,
	// creating the group on first use.
	Consume(ctx context.Context, stream, group, consumer string) ([]StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// SetIfAbsent stores a value with a TTL only when the key does not
	// exist, reporting whether it was stored. Backs presence transitions.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetEx reads a key and refreshes its TTL in one step. Missing keys
	// return ("", false, nil).
	GetEx(ctx context.Context, key string, ttl time.Duration) (string, bool, error)

	// Plain key operations back the unread-counter cache.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// MGet returns one entry per key; nil means a cache miss.
	MGet(ctx context.Context, keys []string) ([]*string, error)
	Del(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}
