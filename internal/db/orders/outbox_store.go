package ordersdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"orderflow/internal/outbox"
)

func insertOutbox(ctx context.Context, q queryer, e outbox.Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload, occurred_on, is_processed, retry_count)
		VALUES ($1, $2, $3, $4, $5, FALSE, 0)`,
		e.ID, e.AggregateID, e.EventType, string(e.Payload), e.OccurredOn,
	)
	return err
}

// ClaimPending locks up to limit unprocessed rows below the retry ceiling with
// SKIP LOCKED, so concurrent dispatchers never see the same row. Marks made through
// the batch commit with the claim; an error from fn rolls all of them back.
func (s *Store) ClaimPending(ctx context.Context, limit, maxRetries int, fn func(ctx context.Context, b outbox.Batch) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback() }()

	entries, err := claim(ctx, tx, limit, maxRetries)
	if err != nil {
		return fmt.Errorf("claim outbox: %w", err)
	}
	if err := fn(ctx, &sqlBatch{tx: tx, entries: entries}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func claim(ctx context.Context, q queryer, limit, maxRetries int) ([]outbox.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload, occurred_on, is_processed, processed_on,
			retry_count, COALESCE(last_error, '')
		FROM outbox
		WHERE is_processed = FALSE AND retry_count < $2
		ORDER BY occurred_on, seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit, maxRetries,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var (
			e         outbox.Entry
			processed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.OccurredOn,
			&e.IsProcessed, &processed, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		if processed.Valid {
			at := processed.Time
			e.ProcessedOn = &at
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type sqlBatch struct {
	tx      *sql.Tx
	entries []outbox.Entry
}

func (b *sqlBatch) Entries() []outbox.Entry {
	return b.entries
}

func (b *sqlBatch) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return b.exec(ctx, `UPDATE outbox SET is_processed = TRUE, processed_on = $2 WHERE id = $1`, id, at)
}

func (b *sqlBatch) MarkRetry(ctx context.Context, id string, lastErr string) error {
	return b.exec(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`, id, lastErr)
}

func (b *sqlBatch) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	return b.exec(ctx, `UPDATE outbox SET retry_count = $2, last_error = $3 WHERE id = $1`, id, retryCount, lastErr)
}

func (b *sqlBatch) exec(ctx context.Context, query string, args ...any) error {
	res, err := b.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("outbox entry %v not found", args[0])
	}
	return nil
}
