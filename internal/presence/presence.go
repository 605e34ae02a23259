// Package presence derives online/away/offline status per user from
// connection lifecycle and liveness pings. Store failures are logged and
// swallowed: presence is advisory and must never block message delivery.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/updates"
)

const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

const DefaultTTL = 90 * time.Second

func key(userID int64) string {
	return "presence:" + strconv.FormatInt(userID, 10)
}

type Tracker struct {
	broker broker.Broker
	pub    updates.Publisher
	ttl    time.Duration
}

func New(b broker.Broker, pub updates.Publisher, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{broker: b, pub: pub, ttl: ttl}
}

// Heartbeat records a liveness signal. The presence-changed update is
// published only on the offline-to-online transition; pings landing inside
// the TTL window just refresh it.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) {
	fresh, err := t.broker.SetIfAbsent(ctx, key(userID), StatusOnline, t.ttl)
	if err != nil {
		logger.Errorf("presence: heartbeat user=%d: %v", userID, err)
		return
	}
	if fresh {
		t.publish(ctx, userID, StatusOnline)
		return
	}
	prev, ok, err := t.broker.GetEx(ctx, key(userID), t.ttl)
	if err != nil {
		logger.Errorf("presence: refresh user=%d: %v", userID, err)
		return
	}
	if ok && prev == StatusAway {
		// Coming back from away counts as a transition.
		if err := t.broker.Set(ctx, key(userID), StatusOnline, t.ttl); err != nil {
			logger.Errorf("presence: refresh user=%d: %v", userID, err)
			return
		}
		t.publish(ctx, userID, StatusOnline)
	}
}

// SetAway marks the user away without dropping the liveness key.
func (t *Tracker) SetAway(ctx context.Context, userID int64) {
	prev, _, err := t.broker.GetEx(ctx, key(userID), t.ttl)
	if err != nil {
		logger.Errorf("presence: away user=%d: %v", userID, err)
		return
	}
	if prev == StatusAway {
		return
	}
	if err := t.broker.Set(ctx, key(userID), StatusAway, t.ttl); err != nil {
		logger.Errorf("presence: away user=%d: %v", userID, err)
		return
	}
	t.publish(ctx, userID, StatusAway)
}

// Disconnected is called from session teardown with the number of
// connections the user still has. Offline is published only when the last
// one is gone; crashes are covered by TTL expiry instead.
func (t *Tracker) Disconnected(ctx context.Context, userID int64, remaining int) {
	if remaining > 0 {
		return
	}
	if err := t.broker.Del(ctx, key(userID)); err != nil {
		logger.Errorf("presence: disconnect user=%d: %v", userID, err)
		return
	}
	t.publish(ctx, userID, StatusOffline)
}

// Status reports the user's current presence without refreshing the TTL.
func (t *Tracker) Status(ctx context.Context, userID int64) string {
	vals, err := t.broker.MGet(ctx, []string{key(userID)})
	if err != nil {
		logger.Errorf("presence: status user=%d: %v", userID, err)
		return StatusOffline
	}
	if len(vals) == 0 || vals[0] == nil {
		return StatusOffline
	}
	return *vals[0]
}

func (t *Tracker) publish(ctx context.Context, userID int64, status string) {
	if err := t.pub.Publish(ctx, updates.NewPresenceChanged(userID, status)); err != nil {
		logger.Errorf("presence: publish user=%d status=%s: %v", userID, status, err)
	}
}
