package store

import (
	"context"
	"errors"

	"github.com/example/payment-admission/internal/models"
)

// Sentinel errors returned by repositories.
var (
	ErrNotFound = errors.New("store: record not found")
	ErrExists   = errors.New("store: record already exists")
)

// TransactionRepository persists transaction records. The admission core
// only needs create, read and status update; everything else lives outside
// this service.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// MerchantRepository reads merchant configuration for risk checks.
type MerchantRepository interface {
	Get(ctx context.Context, id string) (*models.Merchant, error)
}
