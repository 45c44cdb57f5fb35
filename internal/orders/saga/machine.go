package saga

import (
	"fmt"
	"reflect"
	"time"

	"orderflow/internal/events"
)

// Decision is the outcome of applying one event to a saga.
type Decision struct {
	Next    State
	Effects []events.Event
	// Applied is false when the event was dropped; Reason then says why.
	Applied bool
	Reason  string
	// StrandedCharge is the transaction id of a successful payment that arrived after the
	// saga failed. Nothing will refund it automatically.
	StrandedCharge string
}

// Step builds the log record for an applied decision.
func (d Decision) Step(prev State, evt events.Event, messageID string) Step {
	return Step{
		OrderID:   d.Next.OrderID,
		From:      prev.Stage,
		To:        d.Next.Stage,
		Event:     evt.EventType(),
		MessageID: messageID,
		Detail:    d.Next.FailureReason,
		At:        d.Next.UpdatedAt,
	}
}

type transition struct {
	from  Stage
	event string
	guard func(State, events.Event) bool
	to    Stage
	apply func(*State, events.Event) []events.Event
}

var transitions = []transition{
	{from: StageNone, event: events.TypeOrderCreationStarted, guard: carries[events.OrderCreationStarted], to: StageInventoryReservation, apply: startSaga},
	{from: StageInventoryReservation, event: events.TypeInventoryReserved, to: StagePaymentProcessing, apply: requestPayment},
	{from: StageInventoryReservation, event: events.TypeInventoryReservationFailed, to: StageOrderFailed, apply: failReservation},
	{from: StageInventoryReservation, event: events.TypeOrderCancellationRequested, to: StageCompensating, apply: cancel},
	{from: StagePaymentProcessing, event: events.TypePaymentProcessed, guard: paymentSucceeded, to: StageOrderCompleted, apply: completeOrder},
	{from: StagePaymentProcessing, event: events.TypePaymentProcessed, guard: paymentDeclined, to: StageCompensating, apply: declinePayment},
	{from: StagePaymentProcessing, event: events.TypePaymentFailed, to: StageCompensating, apply: failPayment},
	{from: StagePaymentProcessing, event: events.TypeOrderCancellationRequested, to: StageCompensating, apply: cancel},
	{from: StageCompensating, event: events.TypeCompensationCompleted, to: StageOrderFailed, apply: finishCompensation},
	// Outcomes of requests that were still in flight when compensation began.
	{from: StageCompensating, event: events.TypeInventoryReserved, guard: notYetReserved, to: StageCompensating, apply: releaseLateReservation},
	{from: StageCompensating, event: events.TypeInventoryReservationFailed, guard: notYetReserved, to: StageCompensating, apply: nothingReserved},
	{from: StageCompensating, event: events.TypePaymentProcessed, guard: latePaymentSucceeded, to: StageCompensating, apply: refundLatePayment},
}

// Apply decides the next saga state and the events to emit for an incoming event.
// It performs no I/O; now is used only for timestamps.
func Apply(current State, evt events.Event, now time.Time) Decision {
	ignore := func(reason string) Decision {
		return Decision{Next: current, Reason: reason}
	}

	if evt == nil || isNilPointer(evt) {
		return ignore("nil event")
	}
	if current.Stage != StageNone && evt.CorrelationID() != current.OrderID {
		return ignore(fmt.Sprintf("event for order %s routed to saga %s", evt.CorrelationID(), current.OrderID))
	}
	if current.Stage.Terminal() {
		d := ignore(fmt.Sprintf("saga finalized in state %s", current.Stage))
		if current.Stage == StageOrderFailed && latePaymentSucceeded(current, evt) {
			e, _ := valueOf[events.PaymentProcessed](evt)
			d.StrandedCharge = e.TransactionID
		}
		return d
	}

	for _, t := range transitions {
		if t.from != current.Stage || t.event != evt.EventType() {
			continue
		}
		if t.guard != nil && !t.guard(current, evt) {
			continue
		}

		next := current
		next.Items = append([]events.Item(nil), current.Items...)
		effects := t.apply(&next, evt)
		next.Stage = t.to
		next.UpdatedAt = now
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		if next.Stage.Terminal() {
			completed := now
			next.CompletedAt = &completed
		}
		return Decision{Next: next, Effects: effects, Applied: true}
	}

	if evt.EventType() == events.TypeOrderCancellationRequested {
		return ignore(fmt.Sprintf("cannot cancel in state %s", stageName(current.Stage)))
	}
	return ignore(fmt.Sprintf("no transition for %s in state %s", evt.EventType(), stageName(current.Stage)))
}

func stageName(s Stage) string {
	if s == StageNone {
		return "(none)"
	}
	return string(s)
}

func startSaga(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.OrderCreationStarted](evt)
	s.OrderID = e.OrderID
	s.CustomerID = e.CustomerID
	s.Items = append([]events.Item(nil), e.Items...)
	s.TotalAmount = e.TotalAmount
	return []events.Event{
		events.InventoryReservationRequested{OrderID: s.OrderID, Items: s.Items},
	}
}

func requestPayment(s *State, _ events.Event) []events.Event {
	s.InventoryReserved = true
	return []events.Event{
		events.PaymentProcessingRequested{OrderID: s.OrderID, CustomerID: s.CustomerID, Amount: s.TotalAmount},
	}
}

func failReservation(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.InventoryReservationFailed](evt)
	s.addFailure(e.Reason)
	return []events.Event{
		events.UpdateOrderStatusCommand{OrderID: s.OrderID, Status: OrderStatusCancelled, UpdatedBy: UpdatedBy},
		events.OrderFailed{OrderID: s.OrderID, Reason: s.FailureReason},
	}
}

func completeOrder(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.PaymentProcessed](evt)
	s.PaymentProcessed = true
	s.PaymentTransactionID = e.TransactionID
	return []events.Event{
		events.UpdateOrderStatusCommand{OrderID: s.OrderID, Status: OrderStatusConfirmed, UpdatedBy: UpdatedBy},
		events.OrderCompleted{OrderID: s.OrderID},
	}
}

func declinePayment(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.PaymentProcessed](evt)
	reason := e.FailureReason
	if reason == "" {
		reason = "payment declined"
	}
	s.addFailure(reason)
	return Compensate(*s)
}

func failPayment(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.PaymentFailed](evt)
	s.addFailure(e.Reason)
	return Compensate(*s)
}

func cancel(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.OrderCancellationRequested](evt)
	reason := e.Reason
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	s.addFailure(reason)
	return Compensate(*s)
}

func finishCompensation(s *State, _ events.Event) []events.Event {
	return []events.Event{
		events.UpdateOrderStatusCommand{OrderID: s.OrderID, Status: OrderStatusCancelled, UpdatedBy: UpdatedBy},
		events.OrderFailed{OrderID: s.OrderID, Reason: s.FailureReason},
	}
}

func releaseLateReservation(s *State, _ events.Event) []events.Event {
	s.InventoryReserved = true
	return []events.Event{
		events.InventoryReleaseRequested{OrderID: s.OrderID, Items: s.Items},
	}
}

func nothingReserved(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.InventoryReservationFailed](evt)
	s.addFailure(e.Reason)
	return []events.Event{events.CompensationCompleted{OrderID: s.OrderID}}
}

func refundLatePayment(s *State, evt events.Event) []events.Event {
	e, _ := valueOf[events.PaymentProcessed](evt)
	s.PaymentProcessed = true
	s.PaymentTransactionID = e.TransactionID
	return []events.Event{
		events.PaymentRefundRequested{OrderID: s.OrderID, TransactionID: e.TransactionID, Amount: s.TotalAmount},
	}
}

func paymentSucceeded(_ State, evt events.Event) bool {
	e, ok := valueOf[events.PaymentProcessed](evt)
	return ok && e.Success
}

func paymentDeclined(_ State, evt events.Event) bool {
	e, ok := valueOf[events.PaymentProcessed](evt)
	return ok && !e.Success
}

func notYetReserved(s State, _ events.Event) bool {
	return !s.InventoryReserved
}

func latePaymentSucceeded(s State, evt events.Event) bool {
	e, ok := valueOf[events.PaymentProcessed](evt)
	return ok && e.Success && e.TransactionID != "" && !s.PaymentProcessed
}

func (s *State) addFailure(reason string) {
	if reason == "" {
		return
	}
	if s.FailureReason == "" {
		s.FailureReason = reason
		return
	}
	s.FailureReason += "; " + reason
}

// valueOf returns the event as T whether it was passed by value or by pointer.
func valueOf[T events.Event](evt events.Event) (T, bool) {
	switch e := any(evt).(type) {
	case T:
		return e, true
	case *T:
		if e != nil {
			return *e, true
		}
	}
	var zero T
	return zero, false
}

func carries[T events.Event](_ State, evt events.Event) bool {
	_, ok := valueOf[T](evt)
	return ok
}

func isNilPointer(evt events.Event) bool {
	v := reflect.ValueOf(evt)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
