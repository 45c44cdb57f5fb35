package outbox

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/events"

	"github.com/google/uuid"
)

// Entry is one event waiting for (or done with) delivery to the bus.
type Entry struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	OccurredOn  time.Time
	IsProcessed bool
	ProcessedOn *time.Time
	RetryCount  int
	LastError   string
}

// Dead reports whether the entry reached the retry ceiling and needs an operator.
func (e Entry) Dead(maxRetries int) bool {
	return !e.IsProcessed && maxRetries > 0 && e.RetryCount >= maxRetries
}

// Writer appends outbox rows. Implementations are bound to an open transaction.
type Writer interface {
	InsertOutbox(ctx context.Context, e Entry) error
}

// NewEntry serializes evt into an unprocessed entry with a fresh id.
func NewEntry(evt events.Event, now time.Time) (Entry, error) {
	payload, err := events.Encode(evt)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:          uuid.NewString(),
		AggregateID: evt.CorrelationID(),
		EventType:   evt.EventType(),
		Payload:     payload,
		OccurredOn:  now.UTC(),
	}, nil
}

// Add records evt through w, which must belong to the caller's transaction.
func Add(ctx context.Context, w Writer, evt events.Event, now time.Time) (Entry, error) {
	entry, err := NewEntry(evt, now)
	if err != nil {
		return Entry{}, err
	}
	if err := w.InsertOutbox(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("insert outbox %s: %w", entry.EventType, err)
	}
	return entry, nil
}

// Batch is a set of claimed entries. Marks are applied inside the claim transaction.
type Batch interface {
	Entries() []Entry
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// MarkRetry increments the retry count and records the error.
	MarkRetry(ctx context.Context, id string, lastErr string) error
	// MarkFailed sets the retry count outright, used for errors that retrying cannot fix.
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
}

// Store claims unprocessed entries below the retry ceiling, oldest first. Claimed rows
// are invisible to other dispatchers until fn returns.
type Store interface {
	ClaimPending(ctx context.Context, limit, maxRetries int, fn func(ctx context.Context, b Batch) error) error
}
