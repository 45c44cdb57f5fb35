package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryBus is a single-process bus. Messages are delivered one at a time in publish
// order, so per-key ordering holds. Failed deliveries are queued again for the next drain.
type InMemoryBus struct {
	router *Router
	log    *zap.Logger
	notify chan struct{}

	mu        sync.Mutex
	queue     []Message
	published []Message
}

// NewInMemoryBus constructs an InMemoryBus.
func NewInMemoryBus(log *zap.Logger) *InMemoryBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &InMemoryBus{
		router: NewRouter(),
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

func (b *InMemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.published = append(b.published, msg)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *InMemoryBus) Subscribe(eventType string, h Handler) {
	b.router.Subscribe(eventType, h)
}

// Drain delivers queued messages, including ones published by handlers along the way,
// until the queue is empty. Messages whose handlers failed are queued again and their
// errors returned.
func (b *InMemoryBus) Drain(ctx context.Context) error {
	var failed []Message
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.queue = append(failed, b.queue...)
			b.mu.Unlock()
			return errors.Join(errs...)
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if err := b.router.Dispatch(ctx, msg); err != nil {
			failed = append(failed, msg)
			errs = append(errs, err)
		}
	}
}

// Run drains the queue whenever something is published, retrying failed deliveries
// every retryInterval, until ctx ends.
func (b *InMemoryBus) Run(ctx context.Context) error {
	const retryInterval = 250 * time.Millisecond
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.notify:
		case <-ticker.C:
			if b.Pending() == 0 {
				continue
			}
		}
		if err := b.Drain(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("in-memory delivery failed, will redeliver", zap.Error(err))
		}
	}
}

// Pending returns the number of undelivered messages.
func (b *InMemoryBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Published returns every message ever published (for testing/inspection).
func (b *InMemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedOfType filters Published by event type.
func (b *InMemoryBus) PublishedOfType(eventType string) []Message {
	var out []Message
	for _, msg := range b.Published() {
		if msg.Type == eventType {
			out = append(out, msg)
		}
	}
	return out
}
