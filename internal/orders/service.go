package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"
	"orderflow/internal/orders/saga"
	"orderflow/internal/outbox"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const statusConsumer = "order-status"

// CreateOrderInput is a request to place an order.
type CreateOrderInput struct {
	IdempotencyKey  string
	CustomerID      string
	Items           []events.Item
	ShippingAddress events.Address
	BillingAddress  events.Address
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithServiceClock overrides time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Service is the order facade. It writes aggregates and the events that drive the saga
// in one unit of work and never waits for the saga to finish.
type Service struct {
	store    Store
	registry *events.Registry
	now      func() time.Time
	newID    func() string
	log      *zap.Logger
}

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		registry: events.DefaultRegistry(),
		now:      time.Now,
		newID:    uuid.NewString,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder persists a Pending order and its OrderCreationStarted event. A repeated
// idempotency key returns the original order.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if err := validateItems(in.Items); err != nil {
		return Order{}, err
	}

	now := s.now().UTC()
	order := Order{
		ID:              s.newID(),
		CustomerID:      in.CustomerID,
		IdempotencyKey:  in.IdempotencyKey,
		Items:           append([]events.Item(nil), in.Items...),
		Total:           total(in.Items),
		ShippingAddress: in.ShippingAddress,
		BillingAddress:  in.BillingAddress,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var result Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if in.IdempotencyKey != "" {
			existing, err := tx.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey)
			switch {
			case err == nil:
				result, err = replay(existing, order)
				return err
			case !errors.Is(err, ErrOrderNotFound):
				return err
			}
		}

		created, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if !created {
			existing, err := tx.GetOrderByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			result, err = replay(existing, order)
			return err
		}

		_, err = outbox.Add(ctx, tx, events.OrderCreationStarted{
			OrderID:         order.ID,
			CustomerID:      order.CustomerID,
			TotalAmount:     order.Total,
			ShippingAddress: order.ShippingAddress,
			BillingAddress:  order.BillingAddress,
			Items:           order.Items,
		}, now)
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.log.Info("order created", zap.String("order_id", result.ID), zap.String("customer_id", result.CustomerID), zap.String("total", result.Total.String()))
	return result, nil
}

func replay(existing, requested Order) (Order, error) {
	if existing.CustomerID != requested.CustomerID || !existing.Total.Equal(requested.Total) {
		return Order{}, ErrIdempotencyConflict
	}
	return existing, nil
}

// CancelOrder requests cancellation. It only acknowledges the request; the saga decides
// whether the order can still be unwound.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Cancellable() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, orderID, order.Status)
		}
		_, err = outbox.Add(ctx, tx, events.OrderCancellationRequested{OrderID: orderID, Reason: reason}, s.now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("order cancellation requested", zap.String("order_id", orderID), zap.String("reason", reason))
	return nil
}

// UpdateOrderStatus applies a status sent by the saga. It skips user-facing validation.
func (s *Service) UpdateOrderStatus(ctx context.Context, cmd events.UpdateOrderStatusCommand) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.updateStatus(ctx, tx, cmd)
	})
}

func (s *Service) updateStatus(ctx context.Context, tx Tx, cmd events.UpdateOrderStatusCommand) error {
	status, err := ParseStatus(cmd.Status)
	if err != nil {
		return err
	}
	if err := tx.UpdateOrderStatus(ctx, cmd.OrderID, status, cmd.UpdatedBy, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info("order status updated", zap.String("order_id", cmd.OrderID), zap.String("status", string(status)), zap.String("updated_by", cmd.UpdatedBy))
	return nil
}

// HandleStatusCommand consumes UpdateOrderStatusCommand messages from the bus.
func (s *Service) HandleStatusCommand(ctx context.Context, msg bus.Message) error {
	evt, err := s.registry.Decode(msg.Type, msg.Payload)
	if err != nil {
		s.log.Error("dropping undecodable status command", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	cmd, ok := evt.(events.UpdateOrderStatusCommand)
	if !ok {
		s.log.Warn("unexpected message for status handler", zap.String("event", msg.Type))
		return nil
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if msg.ID != "" {
			fresh, err := tx.MarkProcessed(ctx, statusConsumer, msg.ID, s.now().UTC())
			if err != nil {
				return err
			}
			if !fresh {
				s.log.Debug("duplicate status command", zap.String("message_id", msg.ID))
				return nil
			}
		}
		if _, err := ParseStatus(cmd.Status); err != nil {
			s.log.Error("dropping status command", zap.String("message_id", msg.ID), zap.String("order_id", cmd.OrderID), zap.Error(err))
			return nil
		}
		err := s.updateStatus(ctx, tx, cmd)
		if errors.Is(err, ErrOrderNotFound) {
			s.log.Warn("status command for unknown order", zap.String("order_id", cmd.OrderID))
			return nil
		}
		return err
	})
}

// AdvanceStatus moves a confirmed order along its delivery lifecycle on a user's behalf.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, to Status, updatedBy string) (Order, error) {
	var result Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !CanAdvance(order.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
		}
		now := s.now().UTC()
		if err := tx.UpdateOrderStatus(ctx, orderID, to, updatedBy, now); err != nil {
			return err
		}
		order.Status = to
		order.UpdatedBy = updatedBy
		order.UpdatedAt = now
		result = order
		return nil
	})
	return result, err
}

// GetOrder returns the order and where its saga stands.
func (s *Service) GetOrder(ctx context.Context, orderID string) (View, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return View{}, err
	}
	view := View{Order: order}
	st, err := s.store.GetSaga(ctx, orderID)
	switch {
	case err == nil:
		view.Stage = st.Stage
		view.FailureReason = st.FailureReason
	case !errors.Is(err, saga.ErrNotFound):
		return View{}, err
	}
	return view, nil
}

// History returns the saga transitions recorded for an order. An order whose saga has not
// started yet has an empty history; an unknown order is ErrOrderNotFound.
func (s *Service) History(ctx context.Context, orderID string) ([]saga.Step, error) {
	steps, err := s.store.SagaSteps(ctx, orderID)
	if err != nil || len(steps) > 0 {
		return steps, err
	}
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return steps, nil
}
