package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"
	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordedSteps struct {
	steps []saga.Step
}

func (r *recordedSteps) Append(step saga.Step) error {
	r.steps = append(r.steps, step)
	return nil
}

func message(t *testing.T, id string, evt events.Event) bus.Message {
	t.Helper()
	payload, err := events.Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return bus.Message{ID: id, Type: evt.EventType(), Key: evt.CorrelationID(), Payload: payload}
}

func started(orderID string) events.OrderCreationStarted {
	return events.OrderCreationStarted{
		OrderID:     orderID,
		CustomerID:  "C1",
		TotalAmount: decimal.NewFromInt(100),
		Items:       []events.Item{{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(50)}},
	}
}

func outboxTypes(store *MemoryStore) []string {
	var types []string
	for _, e := range store.Outbox() {
		types = append(types, e.EventType)
	}
	return types
}

func TestOrchestrator_AppliesTransitionAtomically(t *testing.T) {
	store := NewMemoryStore()
	rec := &recordedSteps{}
	metrics := observability.NewMetrics()
	o := NewOrchestrator(store, events.DefaultRegistry(),
		WithOrchestratorClock(func() time.Time { return fixedNow }),
		WithStepRecorder(rec),
		WithOrchestratorMetrics(metrics))
	ctx := context.Background()

	if err := o.Handle(ctx, message(t, "m1", started("X"))); err != nil {
		t.Fatalf("handle: %v", err)
	}

	st, err := store.GetSaga(ctx, "X")
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if st.Stage != saga.StageInventoryReservation || st.Version != 1 || !st.TotalAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected saga %+v", st)
	}
	if types := outboxTypes(store); len(types) != 1 || types[0] != events.TypeInventoryReservationRequested {
		t.Fatalf("unexpected outbox %v", types)
	}
	steps, _ := store.SagaSteps(ctx, "X")
	if len(steps) != 1 || steps[0].MessageID != "m1" || steps[0].To != saga.StageInventoryReservation {
		t.Fatalf("unexpected steps %+v", steps)
	}
	if len(rec.steps) != 1 {
		t.Fatalf("expected audit record, got %d", len(rec.steps))
	}
	if metrics.Snapshot().Saga.ByEvent[events.TypeOrderCreationStarted].Applied != 1 {
		t.Fatalf("expected applied counter")
	}
}

func TestOrchestrator_DuplicateMessageIsIgnored(t *testing.T) {
	store := NewMemoryStore()
	o := NewOrchestrator(store, events.DefaultRegistry())
	ctx := context.Background()

	msg := message(t, "m1", started("X"))
	_ = o.Handle(ctx, msg)
	_ = o.Handle(ctx, message(t, "m2", events.InventoryReserved{OrderID: "X"}))
	if err := o.Handle(ctx, message(t, "m2", events.InventoryReserved{OrderID: "X"})); err != nil {
		t.Fatalf("duplicate: %v", err)
	}

	st, _ := store.GetSaga(ctx, "X")
	if st.Version != 2 {
		t.Fatalf("duplicate must not bump version, got %d", st.Version)
	}
	if got := len(store.Outbox()); got != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", got)
	}
}

func TestOrchestrator_DroppedEventLeavesStateAlone(t *testing.T) {
	store := NewMemoryStore()
	metrics := observability.NewMetrics()
	o := NewOrchestrator(store, events.DefaultRegistry(), WithOrchestratorMetrics(metrics))
	ctx := context.Background()

	// Nothing to apply before the saga exists.
	if err := o.Handle(ctx, message(t, "m0", events.InventoryReserved{OrderID: "X"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := store.GetSaga(ctx, "X"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("no saga expected, got %v", err)
	}

	_ = o.Handle(ctx, message(t, "m1", started("X")))
	if err := o.Handle(ctx, message(t, "m2", events.CompensationCompleted{OrderID: "X"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	st, _ := store.GetSaga(ctx, "X")
	if st.Stage != saga.StageInventoryReservation || st.Version != 1 {
		t.Fatalf("dropped event changed saga: %+v", st)
	}
	if metrics.Snapshot().Saga.ByEvent[events.TypeCompensationCompleted].Dropped != 1 {
		t.Fatalf("expected dropped counter")
	}
}

func TestOrchestrator_PaymentAfterFailureRaisesRefundAlert(t *testing.T) {
	store := NewMemoryStore()
	core, logs := observer.New(zap.ErrorLevel)
	o := NewOrchestrator(store, events.DefaultRegistry(), WithOrchestratorLogger(zap.New(core)))
	ctx := context.Background()

	msgs := []bus.Message{
		message(t, "m1", started("X")),
		message(t, "m2", events.InventoryReserved{OrderID: "X"}),
		message(t, "m3", events.OrderCancellationRequested{OrderID: "X"}),
		message(t, "m4", events.CompensationCompleted{OrderID: "X"}),
		message(t, "m5", events.PaymentProcessed{OrderID: "X", Success: true, TransactionID: "T1"}),
	}
	for _, msg := range msgs {
		if err := o.Handle(ctx, msg); err != nil {
			t.Fatalf("handle %s: %v", msg.ID, err)
		}
	}

	st, _ := store.GetSaga(ctx, "X")
	if st.Stage != saga.StageOrderFailed || st.PaymentProcessed {
		t.Fatalf("terminal saga changed: %+v", st)
	}
	alerts := logs.FilterMessage("payment succeeded after order failed, refund required").All()
	if len(alerts) != 1 {
		t.Fatalf("expected one refund alert, got %d", len(alerts))
	}
	if got := alerts[0].ContextMap()["transaction_id"]; got != "T1" {
		t.Fatalf("unexpected transaction id %v", got)
	}
}

func TestOrchestrator_UndecodableMessageIsAcked(t *testing.T) {
	o := NewOrchestrator(NewMemoryStore(), events.DefaultRegistry())
	err := o.Handle(context.Background(), bus.Message{ID: "m1", Type: events.TypeInventoryReserved, Payload: []byte("{")})
	if err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
}

type conflictOnce struct {
	*MemoryStore
	conflicts int
}

func (c *conflictOnce) WithinTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return c.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &conflictTx{Tx: tx, parent: c})
	})
}

type conflictTx struct {
	Tx
	parent *conflictOnce
}

func (t *conflictTx) SaveSaga(ctx context.Context, s saga.State) (int64, error) {
	if t.parent.conflicts > 0 {
		t.parent.conflicts--
		return 0, saga.ErrVersionConflict
	}
	return t.Tx.SaveSaga(ctx, s)
}

func TestOrchestrator_RetriesVersionConflict(t *testing.T) {
	store := &conflictOnce{MemoryStore: NewMemoryStore(), conflicts: 1}
	o := NewOrchestrator(store, events.DefaultRegistry())

	if err := o.Handle(context.Background(), message(t, "m1", started("X"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	st, err := store.GetSaga(context.Background(), "X")
	if err != nil || st.Stage != saga.StageInventoryReservation {
		t.Fatalf("expected saga after retry, got %+v err=%v", st, err)
	}
	if got := len(store.Outbox()); got != 1 {
		t.Fatalf("rolled back attempt must not leave rows, got %d", got)
	}
}

func TestOrchestrator_PersistentConflictIsReturned(t *testing.T) {
	store := &conflictOnce{MemoryStore: NewMemoryStore(), conflicts: 100}
	o := NewOrchestrator(store, events.DefaultRegistry())
	o.conflict.Sleep = func(context.Context, time.Duration) error { return nil }

	err := o.Handle(context.Background(), message(t, "m1", started("X")))
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if len(store.Outbox()) != 0 {
		t.Fatalf("nothing may commit")
	}
}

func TestOrchestrator_RegisterSubscribesSagaEvents(t *testing.T) {
	r := bus.NewRouter()
	NewOrchestrator(NewMemoryStore(), events.DefaultRegistry()).Register(r)
	if got := len(r.Types()); got != len(sagaEvents) {
		t.Fatalf("expected %d subscriptions, got %d", len(sagaEvents), got)
	}
}
