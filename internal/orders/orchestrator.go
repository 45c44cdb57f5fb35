package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"
	"orderflow/internal/keylock"
	"orderflow/internal/observability"
	"orderflow/internal/orders/saga"
	"orderflow/internal/outbox"
	"orderflow/internal/reliability"

	"go.uber.org/zap"
)

const sagaConsumer = "order-saga"

// sagaEvents are the message types that drive the saga.
var sagaEvents = []string{
	events.TypeOrderCreationStarted,
	events.TypeInventoryReserved,
	events.TypeInventoryReservationFailed,
	events.TypePaymentProcessed,
	events.TypePaymentFailed,
	events.TypeCompensationCompleted,
	events.TypeOrderCancellationRequested,
}

// StepRecorder receives every applied saga transition after commit.
type StepRecorder interface {
	Append(step saga.Step) error
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithOrchestratorLogger(log *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocker replaces the in-process per-order lock, e.g. with a Redis lock shared by replicas.
func WithLocker(l keylock.Locker) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithStepRecorder(r StepRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

func WithOrchestratorMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator runs saga transitions for incoming bus messages. Each message is handled
// under a per-order lock, and the saga row, its step log, the inbox record and the
// emitted events commit together.
type Orchestrator struct {
	store    Store
	registry *events.Registry
	locker   keylock.Locker
	recorder StepRecorder
	metrics  *observability.Metrics
	conflict reliability.RetryPolicy
	now      func() time.Time
	log      *zap.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store Store, registry *events.Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		locker:   keylock.NewLocalLocker(),
		now:      time.Now,
		log:      zap.NewNop(),
		conflict: reliability.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			ShouldRetry: func(err error) bool { return errors.Is(err, saga.ErrVersionConflict) },
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register subscribes the orchestrator to every saga-driving message type.
func (o *Orchestrator) Register(sub interface{ Subscribe(string, bus.Handler) }) {
	for _, t := range sagaEvents {
		sub.Subscribe(t, o.Handle)
	}
}

// Handle applies one message to its saga. Undecodable messages and dropped events are
// acknowledged; persistence errors are returned so the bus redelivers.
func (o *Orchestrator) Handle(ctx context.Context, msg bus.Message) error {
	evt, err := o.registry.Decode(msg.Type, msg.Payload)
	if err != nil {
		o.log.Error("dropping undecodable message",
			zap.String("message_id", msg.ID), zap.String("event", msg.Type), zap.Error(err))
		return nil
	}
	orderID := evt.CorrelationID()
	log := o.log.With(zap.String("order_id", orderID), zap.String("event", msg.Type), zap.String("message_id", msg.ID))

	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer unlock()

	var (
		prev      saga.State
		decision  saga.Decision
		duplicate bool
	)
	err = o.conflict.Do(ctx, func() error {
		duplicate = false
		return o.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			now := o.now().UTC()
			if msg.ID != "" {
				fresh, err := tx.MarkProcessed(ctx, sagaConsumer, msg.ID, now)
				if err != nil {
					return err
				}
				if !fresh {
					duplicate = true
					return nil
				}
			}

			current, err := tx.GetSaga(ctx, orderID)
			if err != nil && !errors.Is(err, saga.ErrNotFound) {
				return err
			}
			prev = current
			decision = saga.Apply(current, evt, now)
			if !decision.Applied {
				return nil
			}

			version, err := tx.SaveSaga(ctx, decision.Next)
			if err != nil {
				return err
			}
			decision.Next.Version = version

			if err := tx.AppendSagaStep(ctx, decision.Step(prev, evt, msg.ID)); err != nil {
				return fmt.Errorf("append saga step: %w", err)
			}
			for _, effect := range decision.Effects {
				if _, err := outbox.Add(ctx, tx, effect, now); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		log.Error("saga transition failed", zap.Error(err))
		return err
	}

	switch {
	case duplicate:
		log.Debug("duplicate message ignored")
	case !decision.Applied:
		o.metrics.RecordSagaEvent(msg.Type, false)
		log.Info("saga event dropped", zap.String("stage", string(prev.Stage)), zap.String("reason", decision.Reason))
		if decision.StrandedCharge != "" {
			log.Error("payment succeeded after order failed, refund required",
				zap.String("transaction_id", decision.StrandedCharge),
				zap.String("amount", prev.TotalAmount.StringFixed(2)))
		}
	default:
		o.metrics.RecordSagaEvent(msg.Type, true)
		log.Info("saga transition",
			zap.String("from", string(prev.Stage)),
			zap.String("stage", string(decision.Next.Stage)),
			zap.Int("effects", len(decision.Effects)))
		if o.recorder != nil {
			if err := o.recorder.Append(decision.Step(prev, evt, msg.ID)); err != nil {
				log.Warn("audit append failed", zap.Error(err))
			}
		}
	}
	return nil
}
