package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 50
	defaultMaxRetries   = 5
	defaultPollInterval = 2 * time.Second
)

// Config bounds one dispatcher.
type Config struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Result counts what one RunOnce pass did.
type Result struct {
	Claimed   int
	Published int
	// Retried entries failed to publish and stay pending with RetryCount incremented.
	Retried int
	// Failed entries could not be decoded and were frozen at the retry ceiling.
	Failed int
	// Skipped entries were already at the ceiling.
	Skipped int
	// Held entries were not attempted because an earlier entry of the same order failed.
	Held int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithResultHook is called after every RunOnce pass, including failed ones.
func WithResultHook(fn func(Result, error)) Option {
	return func(d *Dispatcher) {
		d.hook = fn
	}
}

// Dispatcher drains the outbox into the bus.
type Dispatcher struct {
	store     Store
	registry  *events.Registry
	publisher bus.Publisher
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
	tracer    trace.Tracer
	hook      func(Result, error)
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, registry *events.Registry, publisher bus.Publisher, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		registry:  registry,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		log:       zap.NewNop(),
		now:       time.Now,
		tracer:    otel.Tracer("orderflow/outbox"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce claims one batch and publishes it in OccurredOn order.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	err := d.store.ClaimPending(ctx, d.cfg.BatchSize, d.cfg.MaxRetries, func(ctx context.Context, b Batch) error {
		res = Result{}
		blocked := make(map[string]bool)
		for _, entry := range b.Entries() {
			res.Claimed++
			if err := d.dispatch(ctx, b, entry, blocked, &res); err != nil {
				return err
			}
		}
		return nil
	})
	if d.hook != nil {
		d.hook(res, err)
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, b Batch, entry Entry, blocked map[string]bool, res *Result) error {
	log := d.log.With(zap.String("outbox_id", entry.ID), zap.String("event", entry.EventType), zap.String("order_id", entry.AggregateID))

	if entry.IsProcessed {
		return nil
	}
	if entry.Dead(d.cfg.MaxRetries) {
		res.Skipped++
		log.Warn("outbox entry at retry ceiling, skipping", zap.Int("retry_count", entry.RetryCount), zap.String("last_error", entry.LastError))
		return nil
	}
	if blocked[entry.AggregateID] {
		res.Held++
		return nil
	}

	if !d.registry.Known(entry.EventType) {
		res.Failed++
		msg := fmt.Sprintf("%v: %q", events.ErrUnknownEventType, entry.EventType)
		log.Error("outbox entry has unknown type, marking failed")
		blocked[entry.AggregateID] = true
		return d.markFailed(ctx, b, entry, msg)
	}
	if _, err := d.registry.Decode(entry.EventType, entry.Payload); err != nil {
		res.Failed++
		log.Error("outbox entry payload does not decode, marking failed", zap.Error(err))
		blocked[entry.AggregateID] = true
		return d.markFailed(ctx, b, entry, err.Error())
	}

	if err := d.publish(ctx, entry); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Retried++
		blocked[entry.AggregateID] = true
		log.Warn("outbox publish failed", zap.Int("retry_count", entry.RetryCount+1), zap.Error(err))
		if markErr := b.MarkRetry(ctx, entry.ID, err.Error()); markErr != nil {
			return fmt.Errorf("mark retry %s: %w", entry.ID, markErr)
		}
		return nil
	}

	if err := b.MarkProcessed(ctx, entry.ID, d.now().UTC()); err != nil {
		return fmt.Errorf("mark processed %s: %w", entry.ID, err)
	}
	res.Published++
	log.Debug("outbox entry published")
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, b Batch, entry Entry, lastErr string) error {
	if err := b.MarkFailed(ctx, entry.ID, d.cfg.MaxRetries, lastErr); err != nil {
		return fmt.Errorf("mark failed %s: %w", entry.ID, err)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, entry Entry) error {
	ctx, span := d.tracer.Start(ctx, "outbox.publish "+entry.EventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.id", entry.ID),
			attribute.String("order.id", entry.AggregateID),
			attribute.Int("outbox.retry_count", entry.RetryCount),
		),
	)
	defer span.End()

	msg := bus.Message{
		ID:         entry.ID,
		Type:       entry.EventType,
		Key:        entry.AggregateID,
		Payload:    entry.Payload,
		OccurredOn: entry.OccurredOn,
	}
	bus.InjectTrace(ctx, &msg)

	if err := d.publisher.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Run calls RunOnce every PollInterval until ctx ends. A full batch is followed
// immediately by another pass.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := d.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			d.log.Error("outbox dispatch pass failed", zap.Error(err))
		} else if res.Claimed > 0 {
			d.log.Info("outbox dispatch pass",
				zap.Int("published", res.Published),
				zap.Int("retried", res.Retried),
				zap.Int("failed", res.Failed),
				zap.Int("skipped", res.Skipped),
				zap.Int("held", res.Held))
		}

		if err == nil && res.Claimed >= d.cfg.BatchSize && res.Published > 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
