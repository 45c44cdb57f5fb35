package ordersdb

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		items JSONB NOT NULL,
		total NUMERIC(18, 2) NOT NULL,
		shipping_address JSONB NOT NULL,
		billing_address JSONB NOT NULL,
		status TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_sagas (
		order_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		inventory_reserved BOOLEAN NOT NULL DEFAULT FALSE,
		payment_processed BOOLEAN NOT NULL DEFAULT FALSE,
		payment_transaction_id TEXT,
		failure_reason TEXT,
		items JSONB NOT NULL,
		total_amount NUMERIC(18, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_saga_steps (
		id BIGSERIAL PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES order_sagas(order_id) ON DELETE CASCADE,
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		event TEXT NOT NULL,
		message_id TEXT,
		detail TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		seq BIGSERIAL,
		id UUID PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		occurred_on TIMESTAMPTZ NOT NULL,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_on TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (occurred_on, seq) WHERE is_processed = FALSE`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		consumer TEXT NOT NULL,
		message_id TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (consumer, message_id)
	)`,
}

// InitSchema creates the tables the store needs. It is safe to run repeatedly.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
