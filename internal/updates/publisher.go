package updates

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sportlevel/messenger/internal/broker"
)

// Stream is the durable queue every service update travels through.
const Stream = "service_updates"

// Group is the consumer group shared by all listener processes, so each
// update is processed once fleet-wide.
const Group = "messenger"

// StreamPublisher appends updates to the durable stream on the broker.
type StreamPublisher struct {
	broker broker.Broker
}

func NewStreamPublisher(b broker.Broker) *StreamPublisher {
	return &StreamPublisher{broker: b}
}

func (p *StreamPublisher) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("updates.Publish: %w", err)
	}
	if err := p.broker.Append(ctx, Stream, payload); err != nil {
		return fmt.Errorf("updates.Publish: %w", err)
	}
	return nil
}
