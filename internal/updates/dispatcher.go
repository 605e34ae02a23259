package updates

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/registry"
)

const (
	defaultMaxInflight   = 64
	defaultWarnThreshold = 512
)

// Dispatcher pushes serialized protocol frames to the private channels of
// resolved connections. Pushes run concurrently up to a bound; a publish
// that reaches no subscriber marks the record stale and removes it from
// the distributed registry.
type Dispatcher struct {
	broker   broker.Broker
	registry *registry.Registry

	sem           chan struct{}
	warnThreshold int64
	pending       atomic.Int64
}

func NewDispatcher(b broker.Broker, reg *registry.Registry, maxInflight, warnThreshold int) *Dispatcher {
	if maxInflight <= 0 {
		maxInflight = defaultMaxInflight
	}
	if warnThreshold <= 0 {
		warnThreshold = defaultWarnThreshold
	}
	return &Dispatcher{
		broker:        b,
		registry:      reg,
		sem:           make(chan struct{}, maxInflight),
		warnThreshold: int64(warnThreshold),
	}
}

// Dispatch delivers one frame to every target connection and returns when
// all pushes finished. Per-target failures are self-healing, never fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []registry.ConnRef, frame []byte) {
	if len(targets) == 0 {
		return
	}
	if pending := d.pending.Add(int64(len(targets))); pending > d.warnThreshold {
		logger.Infof("WARNING: dispatcher: %d pending pushes, fanout is falling behind", pending)
	}

	var wg sync.WaitGroup
	for _, ref := range targets {
		d.sem <- struct{}{}
		wg.Add(1)
		go func(ref registry.ConnRef) {
			defer func() {
				<-d.sem
				d.pending.Add(-1)
				wg.Done()
			}()
			d.push(ctx, ref, frame)
		}(ref)
	}
	wg.Wait()
}

func (d *Dispatcher) push(ctx context.Context, ref registry.ConnRef, frame []byte) {
	receivers, err := d.broker.Publish(ctx, registry.ChannelFor(ref.ConnectionID), frame)
	if err != nil {
		logger.Errorf("dispatcher: push user=%d conn=%s: %v", ref.UserID, ref.ConnectionID, err)
	}
	if err != nil || receivers == 0 {
		// Nobody listens on that channel: the owning process is gone and
		// the record is stale.
		if err := d.registry.RemoveStale(ctx, ref.UserID, ref.ConnectionID); err != nil {
			logger.Criticalf("dispatcher: remove stale user=%d conn=%s: %v", ref.UserID, ref.ConnectionID, err)
		}
	}
}

// Pending reports in-flight pushes, for stats and tests.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}
