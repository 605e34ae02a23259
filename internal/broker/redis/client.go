// Package redis implements the broker contract on a Redis server: sets for
// the connection registry, pub/sub for per-connection delivery, streams with
// a consumer group for the durable service-update queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sportlevel/messenger/internal/broker"
)

const (
	consumeBatch = 64
	consumeBlock = 5 * time.Second
	payloadField = "payload"
)

type Client struct {
	cli *redis.Client
}

var _ broker.Broker = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.cli.Ping(ctx).Err()
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return c.cli.SAdd(ctx, key, vals...).Err()
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return c.cli.SRem(ctx, key, vals...).Err()
}

func (c *Client) SUnionAll(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return c.cli.SUnion(ctx, keys...).Result()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return c.cli.Publish(ctx, channel, payload).Result()
}

type subscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error { return s.ps.Close() }

// Subscribe waits for the subscription confirmation before returning, so
// callers never lose a frame published right after registration.
func (c *Client) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	ps := c.cli.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	sub := &subscription{ps: ps, out: make(chan []byte, 256)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- []byte(msg.Payload)
		}
	}()
	return sub, nil
}

func (c *Client) Append(ctx context.Context, stream string, payload []byte) error {
	return c.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

func (c *Client) Consume(ctx context.Context, stream, group, consumer string) ([]broker.StreamMessage, error) {
	if err := c.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	res, err := c.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    consumeBatch,
		Block:    consumeBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis xreadgroup %s: %w", stream, err)
	}
	var out []broker.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			payload, _ := m.Values[payloadField].(string)
			out = append(out, broker.StreamMessage{ID: m.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return c.cli.XAck(ctx, stream, group, ids...).Err()
}

func (c *Client) ensureGroup(ctx context.Context, stream, group string) error {
	err := c.cli.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.cli.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) GetEx(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	val, err := c.cli.GetEx(ctx, key, ttl).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.cli.Set(ctx, key, value, ttl).Err()
}

func (c *Client) MGet(ctx context.Context, keys []string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = &s
		}
	}
	return out, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.cli.Del(ctx, keys...).Err()
}
