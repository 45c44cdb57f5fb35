package events

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultRegistryDecodesPaymentProcessed(t *testing.T) {
	reg := DefaultRegistry()

	payload, err := Encode(PaymentProcessed{OrderID: "order-1", Success: true, TransactionID: "T1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	evt, err := reg.Decode(TypePaymentProcessed, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := evt.(PaymentProcessed)
	if !ok {
		t.Fatalf("unexpected type %T", evt)
	}
	if !got.Success || got.TransactionID != "T1" || got.CorrelationID() != "order-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestDefaultRegistryKeepsMoneyExact(t *testing.T) {
	reg := DefaultRegistry()
	started := OrderCreationStarted{
		OrderID:     "order-1",
		CustomerID:  "cust-1",
		TotalAmount: decimal.RequireFromString("100.10"),
		Items:       []Item{{SKU: "A", Quantity: 2, UnitPrice: decimal.RequireFromString("50.05")}},
	}
	payload, err := Encode(started)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	evt, err := reg.Decode(TypeOrderCreationStarted, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := evt.(OrderCreationStarted)
	if !got.TotalAmount.Equal(started.TotalAmount) {
		t.Fatalf("total changed: %s", got.TotalAmount)
	}
	if !got.Items[0].Subtotal().Equal(got.TotalAmount) {
		t.Fatalf("unexpected subtotal %s", got.Items[0].Subtotal())
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.Decode("orders.v0.Nope", []byte(`{}`)); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRegistryRejectsBadPayloads(t *testing.T) {
	reg := DefaultRegistry()

	if _, err := reg.Decode(TypeInventoryReserved, []byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := reg.Decode(TypeInventoryReserved, []byte(`{}`)); !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("expected ErrMissingOrderID, got %v", err)
	}
}

func TestRegistryCoversEveryContract(t *testing.T) {
	reg := DefaultRegistry()
	all := []Event{
		OrderCreationStarted{}, InventoryReservationRequested{}, InventoryReserved{},
		InventoryReservationFailed{}, PaymentProcessingRequested{}, PaymentProcessed{},
		PaymentFailed{}, InventoryReleaseRequested{}, PaymentRefundRequested{},
		CompensationCompleted{}, OrderCancellationRequested{}, OrderCompleted{},
		OrderFailed{}, UpdateOrderStatusCommand{},
	}
	for _, evt := range all {
		if !reg.Known(evt.EventType()) {
			t.Fatalf("missing decoder for %s", evt.EventType())
		}
	}
	if len(reg.Types()) != len(all) {
		t.Fatalf("expected %d types, got %d", len(all), len(reg.Types()))
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	reg := DefaultRegistry()
	reg.Register(TypeOrderCompleted, nil)
}
