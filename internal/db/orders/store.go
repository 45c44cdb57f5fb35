// Package ordersdb is the Postgres backing for orders, saga state, the outbox
// and the consumer inbox.
package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
	"orderflow/internal/outbox"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements orders.Store and outbox.Store over database/sql.
type Store struct {
	db *sql.DB
}

var (
	_ orders.Store = (*Store)(nil)
	_ outbox.Store = (*Store)(nil)
)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema builds a store and makes sure its tables exist.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	s := NewStore(db)
	if err := s.InitSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithinTx runs fn in a transaction that commits only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, sqlTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, s.db, id)
}

func (s *Store) GetSaga(ctx context.Context, orderID string) (saga.State, error) {
	return getSaga(ctx, s.db, orderID)
}

func (s *Store) SagaSteps(ctx context.Context, orderID string) ([]saga.Step, error) {
	return sagaSteps(ctx, s.db, orderID)
}

type sqlTx struct {
	q queryer
}

func (t sqlTx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t sqlTx) GetOrderByIdempotencyKey(ctx context.Context, key string) (orders.Order, error) {
	return getOrderByIdempotencyKey(ctx, t.q, key)
}

func (t sqlTx) InsertOrder(ctx context.Context, o orders.Order) (bool, error) {
	return insertOrder(ctx, t.q, o)
}

func (t sqlTx) UpdateOrderStatus(ctx context.Context, id string, status orders.Status, updatedBy string, at time.Time) error {
	return updateOrderStatus(ctx, t.q, id, status, updatedBy, at)
}

func (t sqlTx) GetSaga(ctx context.Context, orderID string) (saga.State, error) {
	return getSaga(ctx, t.q, orderID)
}

func (t sqlTx) SaveSaga(ctx context.Context, st saga.State) (int64, error) {
	return saveSaga(ctx, t.q, st)
}

func (t sqlTx) AppendSagaStep(ctx context.Context, step saga.Step) error {
	return appendSagaStep(ctx, t.q, step)
}

func (t sqlTx) MarkProcessed(ctx context.Context, consumer, messageID string, at time.Time) (bool, error) {
	return markProcessed(ctx, t.q, consumer, messageID, at)
}

func (t sqlTx) InsertOutbox(ctx context.Context, e outbox.Entry) error {
	return insertOutbox(ctx, t.q, e)
}
