package orders

import (
	"context"
	"time"

	"orderflow/internal/orders/saga"
	"orderflow/internal/outbox"
)

// Tx is one unit of work. Everything written through it, outbox rows included,
// commits or rolls back together.
type Tx interface {
	outbox.Writer

	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (Order, error)
	// InsertOrder reports false when an order with the same idempotency key already exists.
	InsertOrder(ctx context.Context, o Order) (bool, error)
	UpdateOrderStatus(ctx context.Context, id string, status Status, updatedBy string, at time.Time) error

	GetSaga(ctx context.Context, orderID string) (saga.State, error)
	// SaveSaga inserts a saga with Version 0 or updates one whose stored version matches,
	// returning the new version. A mismatch yields saga.ErrVersionConflict.
	SaveSaga(ctx context.Context, s saga.State) (int64, error)
	AppendSagaStep(ctx context.Context, step saga.Step) error

	// MarkProcessed records that consumer handled messageID. It reports false for a repeat.
	MarkProcessed(ctx context.Context, consumer, messageID string, at time.Time) (bool, error)
}

// Store opens units of work and serves reads outside of one.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetSaga(ctx context.Context, orderID string) (saga.State, error)
	SagaSteps(ctx context.Context, orderID string) ([]saga.Step, error)
}
