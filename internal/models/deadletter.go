package models

import "time"

// DeadLetterRecord captures an event whose delivery exhausted the retry
// schedule without a single success.
type DeadLetterRecord struct {
	TransactionID string    `json:"transaction_id"`
	Event         Event     `json:"event"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}
