// Package participants provides in-process inventory and payment services. They speak
// the same commands and outcome events as the real collaborators and are used when the
// service runs without external participants, and in end-to-end tests.
package participants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"

	"github.com/google/uuid"
)

var messageNamespace = uuid.MustParse("5b7f9d7e-58f4-4b53-9d0f-8a2f1d3c0e41")

// replyID derives the outcome message id from the command message id, so a redelivered
// command produces a message consumers already deduplicate.
func replyID(commandID, eventType string) string {
	if commandID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(messageNamespace, []byte(commandID+"/"+eventType)).String()
}

func publish(ctx context.Context, pub bus.Publisher, commandID string, evt events.Event, now time.Time) error {
	payload, err := events.Encode(evt)
	if err != nil {
		return err
	}
	msg := bus.Message{
		ID:         replyID(commandID, evt.EventType()),
		Type:       evt.EventType(),
		Key:        evt.CorrelationID(),
		Payload:    payload,
		OccurredOn: now.UTC(),
	}
	bus.InjectTrace(ctx, &msg)
	if err := pub.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.EventType(), err)
	}
	return nil
}

// seen is a per-participant inbox of handled command message ids.
type seen struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (s *seen) first(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]bool)
	}
	if s.ids[id] {
		return false
	}
	s.ids[id] = true
	return true
}

func (s *seen) forget(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}
