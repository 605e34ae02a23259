// Package counters keeps the cached unread aggregates: per chat, per match
// and per user total. Reads go through the broker cache and fall back to
// storage on misses; writes invalidate instead of mutating, so the cache
// can never drift from the database.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/storage"
)

const DefaultTTL = 5 * time.Minute

func chatKey(userID, chatID int64) string {
	return fmt.Sprintf("unread:chat:%d:%d", userID, chatID)
}

func matchKey(userID, matchID int64) string {
	return fmt.Sprintf("unread:match:%d:%d", userID, matchID)
}

func totalKey(userID int64) string {
	return "unread:total:" + strconv.FormatInt(userID, 10)
}

type Counters struct {
	broker broker.Broker
	store  storage.Store
	ttl    time.Duration
}

func New(b broker.Broker, store storage.Store, ttl time.Duration) *Counters {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Counters{broker: b, store: store, ttl: ttl}
}

// ByChats batches the cache reads for all chats into one round trip and
// computes only the misses from storage, back-filling the cache.
func (c *Counters) ByChats(ctx context.Context, userID int64, chatIDs []int64) (map[int64]int64, error) {
	return c.lookup(ctx, chatIDs,
		func(id int64) string { return chatKey(userID, id) },
		func(ctx context.Context, tx storage.Tx, misses []int64) (map[int64]int64, error) {
			return tx.Counters().UnreadByChats(ctx, userID, misses)
		})
}

func (c *Counters) ByChat(ctx context.Context, userID, chatID int64) (int64, error) {
	m, err := c.ByChats(ctx, userID, []int64{chatID})
	if err != nil {
		return 0, err
	}
	return m[chatID], nil
}

// ByMatches is the per-match aggregate over all of the match's chats.
func (c *Counters) ByMatches(ctx context.Context, userID int64, matchIDs []int64) (map[int64]int64, error) {
	return c.lookup(ctx, matchIDs,
		func(id int64) string { return matchKey(userID, id) },
		func(ctx context.Context, tx storage.Tx, misses []int64) (map[int64]int64, error) {
			return tx.Counters().UnreadByMatches(ctx, userID, misses)
		})
}

func (c *Counters) ByMatch(ctx context.Context, userID, matchID int64) (int64, error) {
	m, err := c.ByMatches(ctx, userID, []int64{matchID})
	if err != nil {
		return 0, err
	}
	return m[matchID], nil
}

func (c *Counters) Total(ctx context.Context, userID int64) (int64, error) {
	key := totalKey(userID)
	vals, err := c.broker.MGet(ctx, []string{key})
	if err != nil {
		logger.Errorf("counters: cache read %s: %v", key, err)
	} else if len(vals) == 1 && vals[0] != nil {
		if n, err := strconv.ParseInt(*vals[0], 10, 64); err == nil {
			return n, nil
		}
	}
	var total int64
	err = c.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		total, err = tx.Counters().UnreadTotal(ctx, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counters.Total: %w", err)
	}
	c.backfill(ctx, key, total)
	return total, nil
}

// InvalidateMessage drops every cache entry a new message or status change
// can affect: the per-chat entry, the per-match aggregate the chat belongs
// to, and the total, for each given user.
func (c *Counters) InvalidateMessage(ctx context.Context, chatID int64, matchID *int64, userIDs []int64) {
	keys := make([]string, 0, len(userIDs)*3)
	for _, uid := range userIDs {
		keys = append(keys, chatKey(uid, chatID), totalKey(uid))
		if matchID != nil {
			keys = append(keys, matchKey(uid, *matchID))
		}
	}
	if err := c.broker.Del(ctx, keys...); err != nil {
		logger.Errorf("counters: invalidate chat=%d: %v", chatID, err)
	}
}

func (c *Counters) lookup(
	ctx context.Context,
	ids []int64,
	keyFor func(int64) string,
	compute func(context.Context, storage.Tx, []int64) (map[int64]int64, error),
) (map[int64]int64, error) {
	if len(ids) == 0 {
		return map[int64]int64{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFor(id)
	}
	out := make(map[int64]int64, len(ids))
	var misses []int64
	vals, err := c.broker.MGet(ctx, keys)
	if err != nil {
		logger.Errorf("counters: cache read: %v", err)
		misses = ids
	} else {
		for i, id := range ids {
			if vals[i] == nil {
				misses = append(misses, id)
				continue
			}
			n, parseErr := strconv.ParseInt(*vals[i], 10, 64)
			if parseErr != nil {
				misses = append(misses, id)
				continue
			}
			out[id] = n
		}
	}
	if len(misses) == 0 {
		return out, nil
	}
	var computed map[int64]int64
	err = c.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		computed, err = compute(ctx, tx, misses)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("counters.lookup: %w", err)
	}
	for id, n := range computed {
		out[id] = n
		c.backfill(ctx, keyFor(id), n)
	}
	return out, nil
}

func (c *Counters) backfill(ctx context.Context, key string, n int64) {
	if err := c.broker.Set(ctx, key, strconv.FormatInt(n, 10), c.ttl); err != nil {
		logger.Errorf("counters: cache backfill %s: %v", key, err)
	}
}
