// Package memory is an in-process broker implementation with the same
// semantics as the redis client. Used by tests and by -dev mode, where a
// single process does not need cross-process coordination.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type groupState struct {
	cursor  int
	pending map[string]struct{}
}

type Client struct {
	mu      sync.Mutex
	sets    map[string]map[string]struct{}
	keys    map[string]entry
	subs    map[string][]*subscription
	streams map[string][]broker.StreamMessage
	groups  map[string]*groupState
	nextID  int64
	notify  chan struct{}
	closed  bool
}

var _ broker.Broker = (*Client)(nil)

func New() *Client {
	return &Client{
		sets:    make(map[string]map[string]struct{}),
		keys:    make(map[string]entry),
		subs:    make(map[string][]*subscription),
		streams: make(map[string][]broker.StreamMessage),
		groups:  make(map[string]*groupState),
		notify:  make(chan struct{}, 1),
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, s := range subs {
			close(s.out)
		}
	}
	c.subs = make(map[string][]*subscription)
	return nil
}

func (c *Client) Ping(context.Context) error { return nil }

func (c *Client) SAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{})
		c.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (c *Client) SRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(c.sets, key)
	}
	return nil
}

func (c *Client) SUnionAll(_ context.Context, keys []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, key := range keys {
		for m := range c.sets[key] {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out, nil
}

type subscription struct {
	c       *Client
	channel string
	out     chan []byte
	closed  bool
}

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	subs := s.c.subs[s.channel]
	for i, cand := range subs {
		if cand == s {
			s.c.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.out)
	return nil
}

func (c *Client) Subscribe(_ context.Context, channel string) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &subscription{c: c, channel: channel, out: make(chan []byte, 256)}
	c.subs[channel] = append(c.subs[channel], s)
	return s, nil
}

func (c *Client) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var delivered int64
	for _, s := range c.subs[channel] {
		select {
		case s.out <- payload:
			delivered++
		default:
			// Slow subscriber: counted as a receiver, frame dropped.
			delivered++
		}
	}
	return delivered, nil
}

func (c *Client) Append(_ context.Context, stream string, payload []byte) error {
	c.mu.Lock()
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	c.streams[stream] = append(c.streams[stream], broker.StreamMessage{ID: id, Payload: payload})
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) Consume(ctx context.Context, stream, group, _ string) ([]broker.StreamMessage, error) {
	for {
		c.mu.Lock()
		gkey := stream + "/" + group
		g, ok := c.groups[gkey]
		if !ok {
			g = &groupState{pending: make(map[string]struct{})}
			c.groups[gkey] = g
		}
		entries := c.streams[stream]
		if g.cursor < len(entries) {
			batch := make([]broker.StreamMessage, len(entries)-g.cursor)
			copy(batch, entries[g.cursor:])
			for _, m := range batch {
				g.pending[m.ID] = struct{}{}
			}
			g.cursor = len(entries)
			c.mu.Unlock()
			return batch, nil
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Client) Ack(_ context.Context, stream, group string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[stream+"/"+group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

func (c *Client) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if e, ok := c.keys[key]; ok && !e.expired(now) {
		return false, nil
	}
	c.keys[key] = entry{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (c *Client) GetEx(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	e, ok := c.keys[key]
	if !ok || e.expired(now) {
		delete(c.keys, key)
		return "", false, nil
	}
	e.expiresAt = expiry(now, ttl)
	c.keys[key] = e
	return e.value, true, nil
}

func (c *Client) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = entry{value: value, expiresAt: expiry(time.Now(), ttl)}
	return nil
}

func (c *Client) MGet(_ context.Context, keys []string) ([]*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]*string, len(keys))
	for i, key := range keys {
		if e, ok := c.keys[key]; ok && !e.expired(now) {
			v := e.value
			out[i] = &v
		}
	}
	return out, nil
}

func (c *Client) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.keys, key)
	}
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
