package models

import "time"

// Event type constants emitted for transaction lifecycle changes.
const (
	EventTransactionCreated = "transaction.created"
	EventTransactionUpdated = "transaction.updated"
)

// Event is an immutable value describing a transaction lifecycle fact. It is
// produced once per transaction state change and consumed by the notification
// dispatcher and, on delivery failure, by the retry queue.
type Event struct {
	EventType     string            `json:"event_type"`
	TransactionID string            `json:"transaction_id"`
	MerchantID    string            `json:"merchant_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the event so it can be safely handed to
// asynchronous goroutines without risking data races on the metadata map.
func (e Event) Clone() Event {
	clone := e
	if len(e.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
