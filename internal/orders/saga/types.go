package saga

import (
	"errors"
	"time"

	"orderflow/internal/events"

	"github.com/shopspring/decimal"
)

// Stage captures where an order saga currently stands.
type Stage string

const (
	StageNone                 Stage = ""
	StageInventoryReservation Stage = "InventoryReservation"
	StagePaymentProcessing    Stage = "PaymentProcessing"
	StageCompensating         Stage = "Compensating"
	StageOrderCompleted       Stage = "OrderCompleted"
	StageOrderFailed          Stage = "OrderFailed"
)

// Terminal reports whether the saga accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageOrderCompleted || s == StageOrderFailed
}

// Cancellable reports whether a cancellation request is honored in this stage.
func (s Stage) Cancellable() bool {
	return s == StageInventoryReservation || s == StagePaymentProcessing
}

// Order status names the saga sends through UpdateOrderStatusCommand.
const (
	OrderStatusConfirmed = "Confirmed"
	OrderStatusCancelled = "Cancelled"
)

// UpdatedBy identifies the saga as the author of status updates.
const UpdatedBy = "order-saga"

// State is the durable per-order saga record, keyed by OrderID.
type State struct {
	OrderID              string
	CustomerID           string
	Stage                Stage
	InventoryReserved    bool
	PaymentProcessed     bool
	PaymentTransactionID string
	FailureReason        string
	Items                []events.Item
	TotalAmount          decimal.Decimal
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	// Version is the optimistic concurrency token. Zero means the saga was never stored.
	Version int64
}

// Step is one entry in the append-only saga transition log.
type Step struct {
	OrderID   string    `json:"order_id"`
	From      Stage     `json:"from"`
	To        Stage     `json:"to"`
	Event     string    `json:"event"`
	MessageID string    `json:"message_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

var (
	ErrNotFound        = errors.New("saga not found")
	ErrVersionConflict = errors.New("saga version conflict")
)
