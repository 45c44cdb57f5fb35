package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/orders"
)

const orderColumns = `id, customer_id, COALESCE(idempotency_key, ''), items, total, shipping_address,
	billing_address, status, updated_by, created_at, updated_at`

func scanOrder(row *sql.Row) (orders.Order, error) {
	var (
		o                        orders.Order
		items, shipping, billing []byte
		status                   string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.IdempotencyKey, &items, &o.Total, &shipping,
		&billing, &status, &o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return orders.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
		return orders.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
		return orders.Order{}, fmt.Errorf("decode billing address: %w", err)
	}
	return o, nil
}

func getOrder(ctx context.Context, q queryer, id string) (orders.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	return o, err
}

func getOrderByIdempotencyKey(ctx context.Context, q queryer, key string) (orders.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: idempotency key %s", orders.ErrOrderNotFound, key)
	}
	return o, err
}

// insertOrder reports false when the idempotency key is already taken.
func insertOrder(ctx context.Context, q queryer, o orders.Order) (bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return false, err
	}
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return false, err
	}
	billing, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return false, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, idempotency_key, items, total, shipping_address,
			billing_address, status, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, o.CustomerID, nullString(o.IdempotencyKey), string(items), o.Total, string(shipping),
		string(billing), string(o.Status), o.UpdatedBy, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func updateOrderStatus(ctx context.Context, q queryer, id string, status orders.Status, updatedBy string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_by = $3, updated_at = $4
		WHERE id = $1`,
		id, string(status), updatedBy, at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	return nil
}

// markProcessed records a consumed message id; a conflict means it was seen before.
func markProcessed(ctx context.Context, q queryer, consumer, messageID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO processed_messages (consumer, message_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, message_id) DO NOTHING`,
		consumer, messageID, at,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
