package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/events"
	"orderflow/internal/orders/saga"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// Status is the lifecycle status of an order aggregate.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = saga.OrderStatusConfirmed
	StatusShipped   Status = "Shipped"
	StatusDelivered Status = "Delivered"
	StatusCancelled Status = saga.OrderStatusCancelled
)

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPending, StatusConfirmed, StatusShipped, StatusDelivered, StatusCancelled} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Final reports whether no further status changes are expected.
func (s Status) Final() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// User-initiated progression; the saga owns Pending -> Confirmed/Cancelled.
var advances = map[Status]Status{
	StatusConfirmed: StatusShipped,
	StatusShipped:   StatusDelivered,
}

// CanAdvance reports whether a user may move an order from one status to another.
func CanAdvance(from, to Status) bool {
	next, ok := advances[from]
	return ok && next == to
}

// Order is the aggregate owned by the order service.
type Order struct {
	ID              string
	CustomerID      string
	IdempotencyKey  string
	Items           []events.Item
	Total           decimal.Decimal
	ShippingAddress events.Address
	BillingAddress  events.Address
	Status          Status
	UpdatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cancellable reports whether a cancellation may still be requested.
func (o Order) Cancellable() bool {
	return !o.Status.Final()
}

// View is an order together with the stage of its saga.
type View struct {
	Order
	Stage         saga.Stage
	FailureReason string
}

func total(items []events.Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Subtotal())
	}
	return sum
}

func validateItems(items []events.Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, it := range items {
		switch {
		case strings.TrimSpace(it.SKU) == "":
			return fmt.Errorf("%w: item %d has no sku", ErrInvalidOrder, i)
		case it.Quantity <= 0:
			return fmt.Errorf("%w: item %s quantity must be positive", ErrInvalidOrder, it.SKU)
		case it.UnitPrice.IsNegative():
			return fmt.Errorf("%w: item %s price must not be negative", ErrInvalidOrder, it.SKU)
		}
	}
	return nil
}
