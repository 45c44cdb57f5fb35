package events

import (
	"github.com/shopspring/decimal"
)

// Event is a fact or command exchanged between the order saga and its collaborators.
// CorrelationID is the OrderId used to route the message to its saga instance.
type Event interface {
	EventType() string
	CorrelationID() string
}

// Logical event type names. The version segment changes when a payload changes incompatibly.
const (
	TypeOrderCreationStarted          = "orders.v1.OrderCreationStarted"
	TypeInventoryReservationRequested = "inventory.v1.InventoryReservationRequested"
	TypeInventoryReserved             = "inventory.v1.InventoryReserved"
	TypeInventoryReservationFailed    = "inventory.v1.InventoryReservationFailed"
	TypePaymentProcessingRequested    = "payments.v1.PaymentProcessingRequested"
	TypePaymentProcessed              = "payments.v1.PaymentProcessed"
	TypePaymentFailed                 = "payments.v1.PaymentFailed"
	TypeInventoryReleaseRequested     = "inventory.v1.InventoryReleaseRequested"
	TypePaymentRefundRequested        = "payments.v1.PaymentRefundRequested"
	TypeCompensationCompleted         = "orders.v1.CompensationCompleted"
	TypeOrderCancellationRequested    = "orders.v1.OrderCancellationRequested"
	TypeOrderCompleted                = "orders.v1.OrderCompleted"
	TypeOrderFailed                   = "orders.v1.OrderFailed"
	TypeUpdateOrderStatusCommand      = "orders.v1.UpdateOrderStatusCommand"
)

// Item is an order line carried on inventory commands.
type Item struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns quantity times unit price.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type OrderCreationStarted struct {
	OrderID         string          `json:"order_id"`
	CustomerID      string          `json:"customer_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress Address         `json:"shipping_address"`
	BillingAddress  Address         `json:"billing_address"`
	Items           []Item          `json:"items"`
}

func (e OrderCreationStarted) EventType() string     { return TypeOrderCreationStarted }
func (e OrderCreationStarted) CorrelationID() string { return e.OrderID }

type InventoryReservationRequested struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

func (e InventoryReservationRequested) EventType() string     { return TypeInventoryReservationRequested }
func (e InventoryReservationRequested) CorrelationID() string { return e.OrderID }

type InventoryReserved struct {
	OrderID string `json:"order_id"`
}

func (e InventoryReserved) EventType() string     { return TypeInventoryReserved }
func (e InventoryReserved) CorrelationID() string { return e.OrderID }

type InventoryReservationFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (e InventoryReservationFailed) EventType() string     { return TypeInventoryReservationFailed }
func (e InventoryReservationFailed) CorrelationID() string { return e.OrderID }

type PaymentProcessingRequested struct {
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

func (e PaymentProcessingRequested) EventType() string     { return TypePaymentProcessingRequested }
func (e PaymentProcessingRequested) CorrelationID() string { return e.OrderID }

// PaymentProcessed reports the outcome of a charge. TransactionID is set only on success.
type PaymentProcessed struct {
	OrderID       string `json:"order_id"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (e PaymentProcessed) EventType() string     { return TypePaymentProcessed }
func (e PaymentProcessed) CorrelationID() string { return e.OrderID }

type PaymentFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (e PaymentFailed) EventType() string     { return TypePaymentFailed }
func (e PaymentFailed) CorrelationID() string { return e.OrderID }

type InventoryReleaseRequested struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

func (e InventoryReleaseRequested) EventType() string     { return TypeInventoryReleaseRequested }
func (e InventoryReleaseRequested) CorrelationID() string { return e.OrderID }

type PaymentRefundRequested struct {
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

func (e PaymentRefundRequested) EventType() string     { return TypePaymentRefundRequested }
func (e PaymentRefundRequested) CorrelationID() string { return e.OrderID }

type CompensationCompleted struct {
	OrderID string `json:"order_id"`
}

func (e CompensationCompleted) EventType() string     { return TypeCompensationCompleted }
func (e CompensationCompleted) CorrelationID() string { return e.OrderID }

type OrderCancellationRequested struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (e OrderCancellationRequested) EventType() string     { return TypeOrderCancellationRequested }
func (e OrderCancellationRequested) CorrelationID() string { return e.OrderID }

type OrderCompleted struct {
	OrderID string `json:"order_id"`
}

func (e OrderCompleted) EventType() string     { return TypeOrderCompleted }
func (e OrderCompleted) CorrelationID() string { return e.OrderID }

type OrderFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

func (e OrderFailed) EventType() string     { return TypeOrderFailed }
func (e OrderFailed) CorrelationID() string { return e.OrderID }

// UpdateOrderStatusCommand is sent by the saga to the order facade. Status holds an order status name.
type UpdateOrderStatusCommand struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
}

func (e UpdateOrderStatusCommand) EventType() string     { return TypeUpdateOrderStatusCommand }
func (e UpdateOrderStatusCommand) CorrelationID() string { return e.OrderID }
