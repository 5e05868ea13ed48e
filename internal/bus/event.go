package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "queue." receives every queue event.
const (
	QueueEnqueued   = "queue.enqueued"
	QueueAttempted  = "queue.attempted"
	QueueSent       = "queue.sent"
	QueueFailed     = "queue.failed"
	QueueDiscarded  = "queue.discarded"
	QueueReconciled = "queue.reconciled"

	ConnStatusChanged = "conn.status_changed"
	ConnDisabled      = "conn.disabled"
	ConnEnabled       = "conn.enabled"
	ConnEnableFailed  = "conn.enable_failed"

	ReceiptWritten = "receipt.written"
	ReceiptQueued  = "receipt.queued"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
