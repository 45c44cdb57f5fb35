package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderflow/internal/events"
	"orderflow/internal/orders/saga"
	"orderflow/internal/outbox"
)

// MemoryStore keeps orders, sagas, the outbox and the inbox in process memory.
// Transactions run one at a time against a copy that replaces the live state on commit.
type MemoryStore struct {
	mu   sync.Mutex
	data memoryData
	// inClaim holds outbox ids handed to a running ClaimPending.
	inClaim map[string]bool
}

type memoryData struct {
	orders    map[string]Order
	byKey     map[string]string
	sagas     map[string]saga.State
	steps     []saga.Step
	outbox    []outbox.Entry
	processed map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{
			orders:    make(map[string]Order),
			byKey:     make(map[string]string),
			sagas:     make(map[string]saga.State),
			processed: make(map[string]time.Time),
		},
		inClaim: make(map[string]bool),
	}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		orders:    make(map[string]Order, len(d.orders)),
		byKey:     make(map[string]string, len(d.byKey)),
		sagas:     make(map[string]saga.State, len(d.sagas)),
		steps:     append([]saga.Step(nil), d.steps...),
		outbox:    append([]outbox.Entry(nil), d.outbox...),
		processed: make(map[string]time.Time, len(d.processed)),
	}
	for k, v := range d.orders {
		out.orders[k] = v
	}
	for k, v := range d.byKey {
		out.byKey[k] = v
	}
	for k, v := range d.sagas {
		out.sagas[k] = v
	}
	for k, v := range d.processed {
		out.processed[k] = v
	}
	return out
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(ctx, &memoryTx{data: &work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{data: &m.data}).getOrder(id)
}

func (m *MemoryStore) GetSaga(_ context.Context, orderID string) (saga.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memoryTx{data: &m.data}).getSaga(orderID)
}

func (m *MemoryStore) SagaSteps(_ context.Context, orderID string) ([]saga.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []saga.Step
	for _, s := range m.data.steps {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Outbox returns a copy of every outbox row in insertion order.
func (m *MemoryStore) Outbox() []outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Entry(nil), m.data.outbox...)
}

// ClaimPending hands fn the oldest unprocessed rows below maxRetries. The store stays
// unlocked while fn runs; claimed rows are skipped by concurrent claims until it returns.
// Marks made by fn are kept only if it returns nil.
func (m *MemoryStore) ClaimPending(ctx context.Context, limit, maxRetries int, fn func(context.Context, outbox.Batch) error) error {
	b := m.claim(limit, maxRetries)
	defer m.release(b)

	if err := fn(ctx, b); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data.outbox {
		row := &m.data.outbox[i]
		if marked, ok := b.byID[row.ID]; ok {
			*row = *marked
		}
	}
	return nil
}

func (m *MemoryStore) claim(limit, maxRetries int) *memoryBatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []outbox.Entry
	for _, e := range m.data.outbox {
		if e.IsProcessed || m.inClaim[e.ID] || (maxRetries > 0 && e.RetryCount >= maxRetries) {
			continue
		}
		pending = append(pending, e)
	}
	sort.SliceStable(pending, func(a, b int) bool {
		return pending[a].OccurredOn.Before(pending[b].OccurredOn)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	b := &memoryBatch{rows: pending, byID: make(map[string]*outbox.Entry, len(pending))}
	for i := range b.rows {
		b.rows[i].Payload = append([]byte(nil), b.rows[i].Payload...)
		b.byID[b.rows[i].ID] = &b.rows[i]
		m.inClaim[b.rows[i].ID] = true
	}
	return b
}

func (m *MemoryStore) release(b *memoryBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range b.byID {
		delete(m.inClaim, id)
	}
}

// memoryBatch works on private copies of the claimed rows.
type memoryBatch struct {
	rows []outbox.Entry
	byID map[string]*outbox.Entry
}

func (b *memoryBatch) Entries() []outbox.Entry {
	return append([]outbox.Entry(nil), b.rows...)
}

func (b *memoryBatch) row(id string) (*outbox.Entry, error) {
	e, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("outbox entry %s not claimed", id)
	}
	return e, nil
}

func (b *memoryBatch) MarkProcessed(_ context.Context, id string, at time.Time) error {
	e, err := b.row(id)
	if err != nil {
		return err
	}
	e.IsProcessed = true
	e.ProcessedOn = &at
	return nil
}

func (b *memoryBatch) MarkRetry(_ context.Context, id, lastErr string) error {
	e, err := b.row(id)
	if err != nil {
		return err
	}
	e.RetryCount++
	e.LastError = lastErr
	return nil
}

func (b *memoryBatch) MarkFailed(_ context.Context, id string, retryCount int, lastErr string) error {
	e, err := b.row(id)
	if err != nil {
		return err
	}
	e.RetryCount = retryCount
	e.LastError = lastErr
	return nil
}

type memoryTx struct {
	data *memoryData
}

func (t *memoryTx) InsertOutbox(_ context.Context, e outbox.Entry) error {
	e.Payload = append([]byte(nil), e.Payload...)
	t.data.outbox = append(t.data.outbox, e)
	return nil
}

func (t *memoryTx) GetOrder(_ context.Context, id string) (Order, error) {
	return t.getOrder(id)
}

func (t *memoryTx) getOrder(id string) (Order, error) {
	o, ok := t.data.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Items = append([]events.Item(nil), o.Items...)
	return o, nil
}

func (t *memoryTx) GetOrderByIdempotencyKey(_ context.Context, key string) (Order, error) {
	id, ok := t.data.byKey[key]
	if !ok {
		return Order{}, fmt.Errorf("%w: idempotency key %s", ErrOrderNotFound, key)
	}
	return t.getOrder(id)
}

func (t *memoryTx) InsertOrder(_ context.Context, o Order) (bool, error) {
	if o.IdempotencyKey != "" {
		if _, exists := t.data.byKey[o.IdempotencyKey]; exists {
			return false, nil
		}
	}
	if _, exists := t.data.orders[o.ID]; exists {
		return false, fmt.Errorf("order %s already exists", o.ID)
	}
	o.Items = append([]events.Item(nil), o.Items...)
	t.data.orders[o.ID] = o
	if o.IdempotencyKey != "" {
		t.data.byKey[o.IdempotencyKey] = o.ID
	}
	return true, nil
}

func (t *memoryTx) UpdateOrderStatus(_ context.Context, id string, status Status, updatedBy string, at time.Time) error {
	o, ok := t.data.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	o.Status = status
	o.UpdatedBy = updatedBy
	o.UpdatedAt = at
	t.data.orders[id] = o
	return nil
}

func (t *memoryTx) GetSaga(_ context.Context, orderID string) (saga.State, error) {
	return t.getSaga(orderID)
}

func (t *memoryTx) getSaga(orderID string) (saga.State, error) {
	s, ok := t.data.sagas[orderID]
	if !ok {
		return saga.State{}, saga.ErrNotFound
	}
	s.Items = append([]events.Item(nil), s.Items...)
	return s, nil
}

func (t *memoryTx) SaveSaga(_ context.Context, s saga.State) (int64, error) {
	stored, exists := t.data.sagas[s.OrderID]
	switch {
	case s.Version == 0 && exists:
		return 0, saga.ErrVersionConflict
	case s.Version != 0 && (!exists || stored.Version != s.Version):
		return 0, saga.ErrVersionConflict
	}
	s.Version++
	s.Items = append([]events.Item(nil), s.Items...)
	t.data.sagas[s.OrderID] = s
	return s.Version, nil
}

func (t *memoryTx) AppendSagaStep(_ context.Context, step saga.Step) error {
	t.data.steps = append(t.data.steps, step)
	return nil
}

func (t *memoryTx) MarkProcessed(_ context.Context, consumer, messageID string, at time.Time) (bool, error) {
	key := consumer + "/" + messageID
	if _, seen := t.data.processed[key]; seen {
		return false, nil
	}
	t.data.processed[key] = at
	return true, nil
}
