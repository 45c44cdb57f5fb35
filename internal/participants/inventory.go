package participants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orderflow/internal/bus"
	"orderflow/internal/events"

	"go.uber.org/zap"
)

// Inventory reserves and releases stock per order.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string][]events.Item
	releases     map[string]int

	registry *events.Registry
	pub      bus.Publisher
	inbox    seen
	now      func() time.Time
	log      *zap.Logger
}

// NewInventory constructs an Inventory holding the given stock levels.
func NewInventory(stock map[string]int, pub bus.Publisher, log *zap.Logger) *Inventory {
	if log == nil {
		log = zap.NewNop()
	}
	levels := make(map[string]int, len(stock))
	for sku, qty := range stock {
		levels[sku] = qty
	}
	return &Inventory{
		stock:        levels,
		reservations: make(map[string][]events.Item),
		releases:     make(map[string]int),
		registry:     events.DefaultRegistry(),
		pub:          pub,
		now:          time.Now,
		log:          log,
	}
}

// Register subscribes the inventory to its commands.
func (inv *Inventory) Register(sub interface{ Subscribe(string, bus.Handler) }) {
	sub.Subscribe(events.TypeInventoryReservationRequested, inv.Handle)
	sub.Subscribe(events.TypeInventoryReleaseRequested, inv.Handle)
}

// Handle processes one inventory command.
func (inv *Inventory) Handle(ctx context.Context, msg bus.Message) error {
	evt, err := inv.registry.Decode(msg.Type, msg.Payload)
	if err != nil {
		inv.log.Error("inventory dropping undecodable command", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if !inv.inbox.first(msg.ID) {
		return nil
	}

	var reply events.Event
	switch cmd := evt.(type) {
	case events.InventoryReservationRequested:
		reply = inv.reserve(cmd)
	case events.InventoryReleaseRequested:
		reply = inv.release(cmd)
	default:
		return nil
	}

	if err := publish(ctx, inv.pub, msg.ID, reply, inv.now()); err != nil {
		inv.inbox.forget(msg.ID)
		return err
	}
	return nil
}

func (inv *Inventory) reserve(cmd events.InventoryReservationRequested) events.Event {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.reservations[cmd.OrderID]; ok {
		return events.InventoryReserved{OrderID: cmd.OrderID}
	}
	for _, it := range cmd.Items {
		if inv.stock[it.SKU] < it.Quantity {
			inv.log.Info("reservation rejected", zap.String("order_id", cmd.OrderID), zap.String("sku", it.SKU))
			return events.InventoryReservationFailed{
				OrderID: cmd.OrderID,
				Reason:  fmt.Sprintf("insufficient stock for %s", it.SKU),
			}
		}
	}
	for _, it := range cmd.Items {
		inv.stock[it.SKU] -= it.Quantity
	}
	inv.reservations[cmd.OrderID] = append([]events.Item(nil), cmd.Items...)
	inv.log.Info("inventory reserved", zap.String("order_id", cmd.OrderID))
	return events.InventoryReserved{OrderID: cmd.OrderID}
}

func (inv *Inventory) release(cmd events.InventoryReleaseRequested) events.Event {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if items, ok := inv.reservations[cmd.OrderID]; ok {
		for _, it := range items {
			inv.stock[it.SKU] += it.Quantity
		}
		delete(inv.reservations, cmd.OrderID)
		inv.releases[cmd.OrderID]++
		inv.log.Info("inventory released", zap.String("order_id", cmd.OrderID))
	}
	return events.CompensationCompleted{OrderID: cmd.OrderID}
}

// Available returns the unreserved quantity for a SKU.
func (inv *Inventory) Available(sku string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stock[sku]
}

// Reserved reports whether stock is currently held for an order.
func (inv *Inventory) Reserved(orderID string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	_, ok := inv.reservations[orderID]
	return ok
}

// Releases counts how many times a reservation was actually returned for an order.
func (inv *Inventory) Releases(orderID string) int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.releases[orderID]
}
