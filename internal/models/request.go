package models

// PaymentRequest is the inbound payload for creating a transaction. The
// caller identity and idempotency token travel alongside the body (carried
// in Kafka headers by the intake worker) and are deliberately excluded from
// the fingerprinted body fields.
type PaymentRequest struct {
	MerchantID    string            `json:"merchant_id" validate:"required"`
	Amount        int64             `json:"amount" validate:"required,gt=0"`
	Currency      string            `json:"currency" validate:"required,len=3"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=card bank_transfer wallet"`
	Metadata      map[string]string `json:"metadata,omitempty" validate:"omitempty,max=16"`

	CallerID       string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// AdmissionResponse is the result returned to the caller once a request has
// been admitted, or replayed from the idempotency cache on a duplicate.
type AdmissionResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}
