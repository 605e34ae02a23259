package updates

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
)

// ErrDrop is the deliberate-discard signal for time-sensitive handlers. It
// is not a processing failure: the entry is acknowledged and never retried.
var ErrDrop = errors.New("updates: drop")

// HandlerFunc processes one update after it left the durable stream.
type HandlerFunc func(ctx context.Context, u *Update) error

// HandlerEntry pairs a handler with its delivery policy. Time-sensitive
// updates (typing, presence) are worthless once stale and are dropped
// instead of flooding reconnecting clients with outdated state.
type HandlerEntry struct {
	Handle        HandlerFunc
	TimeSensitive bool
}

// Listener consumes the service-update stream through a consumer group and
// routes each entry to its typed handler. The handler table is built at
// wiring time and passed in; there is no global registration.
type Listener struct {
	broker        broker.Broker
	consumer      string
	handlers      map[Type]HandlerEntry
	overflowLimit time.Duration
}

const DefaultOverflowLimit = 15 * time.Second

func NewListener(b broker.Broker, consumer string, handlers map[Type]HandlerEntry, overflowLimit time.Duration) *Listener {
	if overflowLimit <= 0 {
		overflowLimit = DefaultOverflowLimit
	}
	return &Listener{
		broker:        b,
		consumer:      consumer,
		handlers:      handlers,
		overflowLimit: overflowLimit,
	}
}

// Run consumes until the context is cancelled. Handler failures are logged
// and acknowledged; a bad update must never wedge the stream.
func (l *Listener) Run(ctx context.Context) error {
	logger.Infof("updates: listener %s started", l.consumer)
	for {
		msgs, err := l.broker.Consume(ctx, Stream, Group, l.consumer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Criticalf("updates: consume: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			l.process(ctx, msg)
			if err := l.broker.Ack(ctx, Stream, Group, msg.ID); err != nil {
				logger.Errorf("updates: ack %s: %v", msg.ID, err)
			}
		}
	}
}

func (l *Listener) process(ctx context.Context, msg broker.StreamMessage) {
	var u Update
	if err := json.Unmarshal(msg.Payload, &u); err != nil {
		logger.Criticalf("updates: malformed entry %s: %v", msg.ID, err)
		return
	}
	entry, ok := l.handlers[u.Type]
	if !ok {
		logger.Criticalf("updates: no handler for type %q, dropping", u.Type)
		return
	}
	if entry.TimeSensitive && u.Age(time.Now()) > l.overflowLimit {
		logger.Debugf("updates: dropping stale %s (age %s)", u.Type, u.Age(time.Now()))
		return
	}
	if err := entry.Handle(ctx, &u); err != nil {
		if errors.Is(err, ErrDrop) {
			return
		}
		logger.Errorf("updates: handle %s: %v", u.Type, err)
	}
}
