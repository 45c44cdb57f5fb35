package outbox

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu       sync.Mutex
	entries  []Entry
	noFilter bool
	markErr  error
}

func (s *fakeStore) InsertOutbox(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) ClaimPending(ctx context.Context, limit, maxRetries int, fn func(context.Context, Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []Entry
	for _, e := range s.entries {
		if e.IsProcessed {
			continue
		}
		if !s.noFilter && e.RetryCount >= maxRetries {
			continue
		}
		claimed = append(claimed, e)
	}
	sort.SliceStable(claimed, func(i, j int) bool { return claimed[i].OccurredOn.Before(claimed[j].OccurredOn) })
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	return fn(ctx, &fakeBatch{store: s, entries: claimed})
}

func (s *fakeStore) get(id string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return Entry{}
}

func (s *fakeStore) update(id string, fn func(*Entry)) error {
	if s.markErr != nil {
		return s.markErr
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			fn(&s.entries[i])
			return nil
		}
	}
	return errors.New("not found")
}

type fakeBatch struct {
	store   *fakeStore
	entries []Entry
}

func (b *fakeBatch) Entries() []Entry { return b.entries }

func (b *fakeBatch) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return b.store.update(id, func(e *Entry) {
		e.IsProcessed = true
		e.ProcessedOn = &at
	})
}

func (b *fakeBatch) MarkRetry(_ context.Context, id, lastErr string) error {
	return b.store.update(id, func(e *Entry) {
		e.RetryCount++
		e.LastError = lastErr
	})
}

func (b *fakeBatch) MarkFailed(_ context.Context, id string, retryCount int, lastErr string) error {
	return b.store.update(id, func(e *Entry) {
		e.RetryCount = retryCount
		e.LastError = lastErr
	})
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bus.Message
	fail func(bus.Message) error
}

func (p *recordingPublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(msg); err != nil {
			return err
		}
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

var baseTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func addEvent(t *testing.T, s *fakeStore, evt events.Event, offset time.Duration) Entry {
	t.Helper()
	entry, err := Add(context.Background(), s, evt, baseTime.Add(offset))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return entry
}

func TestAdd_SerializesIntoWriter(t *testing.T) {
	s := &fakeStore{}
	entry := addEvent(t, s, events.OrderCreationStarted{
		OrderID:     "X",
		CustomerID:  "C",
		TotalAmount: decimal.NewFromInt(100),
		Items:       []events.Item{{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(50)}},
	}, 0)

	if entry.ID == "" || entry.AggregateID != "X" || entry.EventType != events.TypeOrderCreationStarted {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if len(s.entries) != 1 || s.entries[0].IsProcessed || s.entries[0].RetryCount != 0 {
		t.Fatalf("expected one unprocessed entry, got %+v", s.entries)
	}

	evt, err := events.DefaultRegistry().Decode(entry.EventType, entry.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !evt.(events.OrderCreationStarted).TotalAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("amount lost in serialization")
	}
}

type failingWriter struct{}

func (failingWriter) InsertOutbox(context.Context, Entry) error { return errors.New("tx aborted") }

func TestAdd_PropagatesWriterError(t *testing.T) {
	if _, err := Add(context.Background(), failingWriter{}, events.OrderCompleted{OrderID: "X"}, baseTime); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOnce_PublishesOldestFirstAndMarksProcessed(t *testing.T) {
	s := &fakeStore{}
	second := addEvent(t, s, events.OrderCompleted{OrderID: "X"}, time.Second)
	first := addEvent(t, s, events.InventoryReserved{OrderID: "X"}, 0)

	pub := &recordingPublisher{}
	processedAt := baseTime.Add(time.Minute)
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 3},
		WithClock(func() time.Time { return processedAt }))

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Published != 2 || res.Claimed != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(pub.msgs) != 2 || pub.msgs[0].ID != first.ID || pub.msgs[1].ID != second.ID {
		t.Fatalf("expected oldest first, got %+v", pub.msgs)
	}
	if pub.msgs[0].Key != "X" || pub.msgs[0].Type != events.TypeInventoryReserved {
		t.Fatalf("unexpected envelope %+v", pub.msgs[0])
	}

	got := s.get(first.ID)
	if !got.IsProcessed || got.ProcessedOn == nil || !got.ProcessedOn.Equal(processedAt) {
		t.Fatalf("expected processed entry, got %+v", got)
	}

	res, err = d.RunOnce(context.Background())
	if err != nil || res.Claimed != 0 || len(pub.msgs) != 2 {
		t.Fatalf("expected nothing left, res=%+v err=%v", res, err)
	}
}

func TestRunOnce_FailureHoldsLaterEntriesOfSameOrder(t *testing.T) {
	s := &fakeStore{}
	xFirst := addEvent(t, s, events.InventoryReserved{OrderID: "X"}, 0)
	xSecond := addEvent(t, s, events.OrderCompleted{OrderID: "X"}, time.Second)
	y := addEvent(t, s, events.OrderCompleted{OrderID: "Y"}, 2*time.Second)

	pub := &recordingPublisher{fail: func(msg bus.Message) error {
		if msg.ID == xFirst.ID {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 3})

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Retried != 1 || res.Held != 1 || res.Published != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].ID != y.ID {
		t.Fatalf("expected only the other order to publish, got %+v", pub.msgs)
	}

	failed := s.get(xFirst.ID)
	if failed.RetryCount != 1 || failed.LastError != "broker unavailable" || failed.IsProcessed {
		t.Fatalf("unexpected failed entry %+v", failed)
	}
	if held := s.get(xSecond.ID); held.RetryCount != 0 || held.IsProcessed {
		t.Fatalf("held entry should be untouched, got %+v", held)
	}
}

func TestRunOnce_RetryCeilingFreezesEntry(t *testing.T) {
	s := &fakeStore{}
	entry := addEvent(t, s, events.OrderCompleted{OrderID: "X"}, 0)

	attempts := 0
	pub := &recordingPublisher{fail: func(bus.Message) error {
		attempts++
		return errors.New("always down")
	}}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 3})

	for i := 0; i < 6; i++ {
		if _, err := d.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}

	got := s.get(entry.ID)
	if attempts != 3 || got.RetryCount != 3 || got.IsProcessed {
		t.Fatalf("expected 3 attempts and frozen count, attempts=%d entry=%+v", attempts, got)
	}
}

func TestRunOnce_SkipsDeadEntriesEvenIfClaimed(t *testing.T) {
	s := &fakeStore{noFilter: true}
	entry := addEvent(t, s, events.OrderCompleted{OrderID: "X"}, 0)
	s.entries[0].RetryCount = 3

	pub := &recordingPublisher{}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 3})

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Skipped != 1 || len(pub.msgs) != 0 {
		t.Fatalf("expected skip, res=%+v published=%d", res, len(pub.msgs))
	}
	if got := s.get(entry.ID); got.RetryCount != 3 {
		t.Fatalf("retry count must stay frozen, got %d", got.RetryCount)
	}
}

func TestRunOnce_UnknownTypeIsMarkedFailedWithoutPublishing(t *testing.T) {
	s := &fakeStore{}
	s.entries = append(s.entries, Entry{
		ID:          "e1",
		AggregateID: "X",
		EventType:   "orders.v0.Retired",
		Payload:     []byte(`{}`),
		OccurredOn:  baseTime,
	})

	pub := &recordingPublisher{}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 4})

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := s.get("e1")
	if res.Failed != 1 || len(pub.msgs) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got.RetryCount != 4 || !strings.Contains(got.LastError, "orders.v0.Retired") {
		t.Fatalf("expected entry frozen at ceiling with reason, got %+v", got)
	}
}

func TestRunOnce_UndecodablePayloadIsMarkedFailed(t *testing.T) {
	s := &fakeStore{}
	s.entries = append(s.entries, Entry{
		ID:          "e1",
		AggregateID: "X",
		EventType:   events.TypeOrderCompleted,
		Payload:     []byte(`{not json`),
		OccurredOn:  baseTime,
	})

	pub := &recordingPublisher{}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 10, MaxRetries: 2})

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Failed != 1 || len(pub.msgs) != 0 || s.get("e1").RetryCount != 2 {
		t.Fatalf("unexpected outcome res=%+v entry=%+v", res, s.get("e1"))
	}
}

func TestRunOnce_MarkErrorAbortsPass(t *testing.T) {
	s := &fakeStore{markErr: errors.New("connection reset")}
	addEvent(t, s, events.OrderCompleted{OrderID: "X"}, 0)

	var hooked error
	d := NewDispatcher(s, events.DefaultRegistry(), &recordingPublisher{}, Config{},
		WithResultHook(func(_ Result, err error) { hooked = err }))

	if _, err := d.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if hooked == nil {
		t.Fatalf("expected hook to observe the error")
	}
}

func TestRunOnce_BatchSizeLimitsClaim(t *testing.T) {
	s := &fakeStore{}
	for i := 0; i < 5; i++ {
		addEvent(t, s, events.OrderCompleted{OrderID: "X"}, time.Duration(i)*time.Second)
	}
	pub := &recordingPublisher{}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 2})

	res, err := d.RunOnce(context.Background())
	if err != nil || res.Published != 2 {
		t.Fatalf("expected 2 published, res=%+v err=%v", res, err)
	}
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	s := &fakeStore{}
	for i := 0; i < 3; i++ {
		addEvent(t, s, events.OrderCompleted{OrderID: "X"}, time.Duration(i)*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := make(chan struct{}, 3)
	pub := &recordingPublisher{fail: func(bus.Message) error {
		published <- struct{}{}
		return nil
	}}
	d := NewDispatcher(s, events.DefaultRegistry(), pub, Config{BatchSize: 1, PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-published:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for publish %d", i+1)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
