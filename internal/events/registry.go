package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownEventType is returned for a type name with no registered decoder.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingOrderID is returned when a decoded payload carries no correlation id.
	ErrMissingOrderID = errors.New("event has no order id")
)

// Decoder turns a serialized payload back into its contract type.
type Decoder func(payload []byte) (Event, error)

// Registry maps logical event type names to decoders. It is populated at startup
// and read-only afterwards.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry holding every contract in this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	register[OrderCreationStarted](r)
	register[InventoryReservationRequested](r)
	register[InventoryReserved](r)
	register[InventoryReservationFailed](r)
	register[PaymentProcessingRequested](r)
	register[PaymentProcessed](r)
	register[PaymentFailed](r)
	register[InventoryReleaseRequested](r)
	register[PaymentRefundRequested](r)
	register[CompensationCompleted](r)
	register[OrderCancellationRequested](r)
	register[OrderCompleted](r)
	register[OrderFailed](r)
	register[UpdateOrderStatusCommand](r)
	return r
}

// Register adds a decoder. Registering the same name twice panics.
func (r *Registry) Register(eventType string, dec Decoder) {
	if _, exists := r.decoders[eventType]; exists {
		panic("events: duplicate registration for " + eventType)
	}
	r.decoders[eventType] = dec
}

// Known reports whether a decoder exists for the type name.
func (r *Registry) Known(eventType string) bool {
	_, ok := r.decoders[eventType]
	return ok
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode resolves the type name and deserializes the payload.
func (r *Registry) Decode(eventType string, payload []byte) (Event, error) {
	dec, ok := r.decoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	evt, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	if evt.CorrelationID() == "" {
		return nil, fmt.Errorf("decode %s: %w", eventType, ErrMissingOrderID)
	}
	return evt, nil
}

// Encode serializes an event payload.
func Encode(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("nil event")
	}
	return json.Marshal(evt)
}

func register[T Event](r *Registry) {
	var zero T
	r.Register(zero.EventType(), func(payload []byte) (Event, error) {
		var evt T
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	})
}
