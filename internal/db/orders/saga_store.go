package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"orderflow/internal/events"
	"orderflow/internal/orders/saga"
)

const sagaColumns = `order_id, customer_id, stage, inventory_reserved, payment_processed,
	COALESCE(payment_transaction_id, ''), COALESCE(failure_reason, ''), items, total_amount,
	created_at, updated_at, completed_at, version`

func getSaga(ctx context.Context, q queryer, orderID string) (saga.State, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM order_sagas WHERE order_id = $1`, orderID)

	var (
		st        saga.State
		stage     string
		items     []byte
		completed sql.NullTime
	)
	err := row.Scan(&st.OrderID, &st.CustomerID, &stage, &st.InventoryReserved, &st.PaymentProcessed,
		&st.PaymentTransactionID, &st.FailureReason, &items, &st.TotalAmount,
		&st.CreatedAt, &st.UpdatedAt, &completed, &st.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.State{}, saga.ErrNotFound
		}
		return saga.State{}, err
	}
	st.Stage = saga.Stage(stage)
	if completed.Valid {
		at := completed.Time
		st.CompletedAt = &at
	}
	if err := json.Unmarshal(items, &st.Items); err != nil {
		return saga.State{}, fmt.Errorf("decode saga items: %w", err)
	}
	return st, nil
}

// saveSaga inserts a new saga (Version 0) or updates the stored row when its version
// still matches.
func saveSaga(ctx context.Context, q queryer, st saga.State) (int64, error) {
	items, err := json.Marshal(orEmpty(st.Items))
	if err != nil {
		return 0, err
	}
	var completed sql.NullTime
	if st.CompletedAt != nil {
		completed = sql.NullTime{Time: *st.CompletedAt, Valid: true}
	}

	var res sql.Result
	if st.Version == 0 {
		res, err = q.ExecContext(ctx, `
			INSERT INTO order_sagas (order_id, customer_id, stage, inventory_reserved, payment_processed,
				payment_transaction_id, failure_reason, items, total_amount, created_at, updated_at, completed_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
			ON CONFLICT (order_id) DO NOTHING`,
			st.OrderID, st.CustomerID, string(st.Stage), st.InventoryReserved, st.PaymentProcessed,
			nullString(st.PaymentTransactionID), nullString(st.FailureReason), string(items), st.TotalAmount,
			st.CreatedAt, st.UpdatedAt, completed,
		)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE order_sagas
			SET stage = $2, inventory_reserved = $3, payment_processed = $4, payment_transaction_id = $5,
				failure_reason = $6, items = $7, total_amount = $8, updated_at = $9, completed_at = $10,
				version = version + 1
			WHERE order_id = $1 AND version = $11`,
			st.OrderID, string(st.Stage), st.InventoryReserved, st.PaymentProcessed,
			nullString(st.PaymentTransactionID), nullString(st.FailureReason), string(items), st.TotalAmount,
			st.UpdatedAt, completed, st.Version,
		)
	}
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("%w: order %s at version %d", saga.ErrVersionConflict, st.OrderID, st.Version)
	}
	return st.Version + 1, nil
}

func appendSagaStep(ctx context.Context, q queryer, step saga.Step) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_saga_steps (order_id, from_stage, to_stage, event, message_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.OrderID, string(step.From), string(step.To), step.Event, nullString(step.MessageID), nullString(step.Detail), step.At,
	)
	return err
}

func sagaSteps(ctx context.Context, q queryer, orderID string) ([]saga.Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT order_id, from_stage, to_stage, event, COALESCE(message_id, ''), COALESCE(detail, ''), created_at
		FROM order_saga_steps
		WHERE order_id = $1
		ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []saga.Step
	for rows.Next() {
		var (
			step     saga.Step
			from, to string
		)
		if err := rows.Scan(&step.OrderID, &from, &to, &step.Event, &step.MessageID, &step.Detail, &step.At); err != nil {
			return nil, err
		}
		step.From = saga.Stage(from)
		step.To = saga.Stage(to)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func orEmpty(items []events.Item) []events.Item {
	if items == nil {
		return []events.Item{}
	}
	return items
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
