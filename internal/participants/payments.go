package participants

import (
	"context"
	"errors"
	"sync"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRefundWithoutCharge is returned when a refund names an unknown transaction.
var ErrRefundWithoutCharge = errors.New("refund without charge")

// DeclineFunc returns a non-empty reason to decline a charge.
type DeclineFunc func(customerID string, amount decimal.Decimal) string

// LimitDecline declines charges above limit.
func LimitDecline(limit decimal.Decimal) DeclineFunc {
	return func(_ string, amount decimal.Decimal) string {
		if amount.GreaterThan(limit) {
			return "amount exceeds card limit"
		}
		return ""
	}
}

type charge struct {
	orderID       string
	transactionID string
	amount        decimal.Decimal
}

// Payments charges and refunds orders in memory.
type Payments struct {
	mu       sync.Mutex
	charges  map[string]charge
	byTxn    map[string]string
	refunds  map[string]decimal.Decimal
	refunded map[string]bool

	decline  DeclineFunc
	registry *events.Registry
	pub      bus.Publisher
	inbox    seen
	now      func() time.Time
	log      *zap.Logger
}

// NewPayments constructs Payments. A nil decline approves every charge.
func NewPayments(decline DeclineFunc, pub bus.Publisher, log *zap.Logger) *Payments {
	if log == nil {
		log = zap.NewNop()
	}
	return &Payments{
		charges:  make(map[string]charge),
		byTxn:    make(map[string]string),
		refunds:  make(map[string]decimal.Decimal),
		refunded: make(map[string]bool),
		decline:  decline,
		registry: events.DefaultRegistry(),
		pub:      pub,
		now:      time.Now,
		log:      log,
	}
}

// Register subscribes the payment service to its commands.
func (p *Payments) Register(sub interface{ Subscribe(string, bus.Handler) }) {
	sub.Subscribe(events.TypePaymentProcessingRequested, p.Handle)
	sub.Subscribe(events.TypePaymentRefundRequested, p.Handle)
}

// Handle processes one payment command.
func (p *Payments) Handle(ctx context.Context, msg bus.Message) error {
	evt, err := p.registry.Decode(msg.Type, msg.Payload)
	if err != nil {
		p.log.Error("payments dropping undecodable command", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if !p.inbox.first(msg.ID) {
		return nil
	}

	switch cmd := evt.(type) {
	case events.PaymentProcessingRequested:
		reply := p.Charge(cmd.OrderID, cmd.CustomerID, cmd.Amount)
		if err := publish(ctx, p.pub, msg.ID, reply, p.now()); err != nil {
			p.inbox.forget(msg.ID)
			return err
		}
	case events.PaymentRefundRequested:
		if err := p.Refund(cmd.TransactionID, cmd.Amount); err != nil {
			p.log.Warn("refund rejected", zap.String("order_id", cmd.OrderID), zap.Error(err))
		}
	}
	return nil
}

// Charge records a charge, or returns the existing one for the order.
func (p *Payments) Charge(orderID, customerID string, amount decimal.Decimal) events.PaymentProcessed {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.charges[orderID]; ok {
		return events.PaymentProcessed{OrderID: orderID, Success: true, TransactionID: c.transactionID}
	}
	if p.decline != nil {
		if reason := p.decline(customerID, amount); reason != "" {
			p.log.Info("payment declined", zap.String("order_id", orderID), zap.String("reason", reason))
			return events.PaymentProcessed{OrderID: orderID, Success: false, FailureReason: reason}
		}
	}

	txn := "txn-" + uuid.NewString()
	p.charges[orderID] = charge{orderID: orderID, transactionID: txn, amount: amount}
	p.byTxn[txn] = orderID
	p.log.Info("payment charged", zap.String("order_id", orderID), zap.String("transaction_id", txn))
	return events.PaymentProcessed{OrderID: orderID, Success: true, TransactionID: txn}
}

// Refund reverses a charge. Repeated refunds are no-ops.
func (p *Payments) Refund(transactionID string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	orderID, ok := p.byTxn[transactionID]
	if !ok {
		return ErrRefundWithoutCharge
	}
	if p.refunded[orderID] {
		return nil
	}
	p.refunds[orderID] = amount
	p.refunded[orderID] = true
	p.log.Info("payment refunded", zap.String("order_id", orderID), zap.String("transaction_id", transactionID))
	return nil
}

// WasCharged reports whether an order was charged.
func (p *Payments) WasCharged(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.charges[orderID]
	return ok
}

// WasRefunded reports whether an order was refunded.
func (p *Payments) WasRefunded(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunded[orderID]
}
