package models

import "time"

// Transaction status constants.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Transaction is the persisted record created for every admitted payment
// request. Amounts are carried in minor currency units to avoid floating
// point arithmetic.
type Transaction struct {
	ID            string            `json:"id"`
	MerchantID    string            `json:"merchant_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Merchant captures the subset of merchant configuration the risk checks
// consult during admission.
type Merchant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	MaxAmount   int64  `json:"max_amount"`
	VelocityCap int64  `json:"velocity_cap"`
}
