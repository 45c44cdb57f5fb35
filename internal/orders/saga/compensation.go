package saga

import "orderflow/internal/events"

// Compensate returns the undo commands for the steps that actually succeeded.
// Inventory is released only if it was reserved; a refund requires a recorded charge
// with a transaction id.
func Compensate(s State) []events.Event {
	var cmds []events.Event
	if s.InventoryReserved {
		cmds = append(cmds, events.InventoryReleaseRequested{OrderID: s.OrderID, Items: s.Items})
	}
	if s.PaymentProcessed && s.PaymentTransactionID != "" {
		cmds = append(cmds, events.PaymentRefundRequested{
			OrderID:       s.OrderID,
			TransactionID: s.PaymentTransactionID,
			Amount:        s.TotalAmount,
		})
	}
	return cmds
}
