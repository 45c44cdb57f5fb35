package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Broadcaster pushes notifications to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher publishes to the bus, then notifies subscribers of the same event.
type FanoutPublisher struct {
	primary     Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fans out to the bus and a broadcaster.
func NewFanoutPublisher(primary Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{primary: primary, broadcaster: broadcaster}
}

// Publish forwards to the primary publisher and broadcasts only after it succeeded.
func (p *FanoutPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.primary.Publish(ctx, msg); err != nil {
		return err
	}
	if p.broadcaster == nil {
		return nil
	}

	notification := struct {
		Type       string          `json:"type"`
		OrderID    string          `json:"order_id"`
		MessageID  string          `json:"message_id"`
		OccurredOn time.Time       `json:"occurred_on"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}{
		Type:       msg.Type,
		OrderID:    msg.Key,
		MessageID:  msg.ID,
		OccurredOn: msg.OccurredOn,
	}
	if json.Valid(msg.Payload) {
		notification.Payload = msg.Payload
	}

	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	p.broadcaster.Broadcast(data)
	return nil
}
