package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/payment-admission/internal/models"
)

// MemoryTransactionRepository is a mutex-guarded in-memory implementation of
// TransactionRepository, suitable for tests and single-node deployments.
type MemoryTransactionRepository struct {
	mu  sync.RWMutex
	txs map[string]models.Transaction
	now func() time.Time
}

// NewMemoryTransactionRepository constructs an empty repository.
func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		txs: make(map[string]models.Transaction),
		now: time.Now,
	}
}

// Create stores a new transaction record.
func (r *MemoryTransactionRepository) Create(_ context.Context, tx *models.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("store: transaction with id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.txs[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s", ErrExists, tx.ID)
	}
	r.txs[tx.ID] = *tx
	return nil
}

// Get returns a copy of the stored transaction.
func (r *MemoryTransactionRepository) Get(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, exists := r.txs[id]
	if !exists {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return &tx, nil
}

// UpdateStatus transitions the stored transaction to the supplied status.
func (r *MemoryTransactionRepository) UpdateStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, exists := r.txs[id]
	if !exists {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	tx.Status = status
	tx.UpdatedAt = r.now()
	r.txs[id] = tx
	return nil
}

// Len reports the number of stored transactions.
func (r *MemoryTransactionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txs)
}

// MemoryMerchantRepository is an in-memory MerchantRepository seeded at
// startup.
type MemoryMerchantRepository struct {
	mu        sync.RWMutex
	merchants map[string]models.Merchant
}

// NewMemoryMerchantRepository constructs a repository seeded with the
// supplied merchants.
func NewMemoryMerchantRepository(merchants ...models.Merchant) *MemoryMerchantRepository {
	r := &MemoryMerchantRepository{merchants: make(map[string]models.Merchant, len(merchants))}
	for _, m := range merchants {
		r.merchants[m.ID] = m
	}
	return r
}

// Put inserts or replaces a merchant record.
func (r *MemoryMerchantRepository) Put(m models.Merchant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merchants[m.ID] = m
}

// Get returns a copy of the stored merchant.
func (r *MemoryMerchantRepository) Get(_ context.Context, id string) (*models.Merchant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.merchants[id]
	if !exists {
		return nil, fmt.Errorf("%w: merchant %s", ErrNotFound, id)
	}
	return &m, nil
}
