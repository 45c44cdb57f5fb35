package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message is the transport envelope for one event. ID is stable across redeliveries
// and is what consumers deduplicate on. Key is the correlation id (OrderId).
type Message struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Key        string            `json:"key"`
	Payload    []byte            `json:"payload"`
	OccurredOn time.Time         `json:"occurred_on"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Publisher delivers messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message. A non-nil error asks the bus to redeliver.
type Handler func(ctx context.Context, msg Message) error

// Subscriber registers handlers per event type and delivers until Run's context ends.
type Subscriber interface {
	Subscribe(eventType string, h Handler)
	Run(ctx context.Context) error
}

// Router fans a message out to every handler registered for its type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for eventType.
func (r *Router) Subscribe(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// Types lists subscribed event types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs every handler for the message type. Messages nobody subscribed to are acknowledged.
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[msg.Type]...)
	r.mu.RUnlock()

	ctx = ExtractTrace(ctx, msg)
	var errs []error
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("handle %s %s: %w", msg.Type, msg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// InjectTrace writes the span context of ctx into the message headers.
func InjectTrace(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
}

// ExtractTrace returns ctx carrying the span context found in the message headers.
func ExtractTrace(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
}
