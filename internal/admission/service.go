package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/idempotency"
	"github.com/example/payment-admission/internal/lock"
	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/store"
	"github.com/example/payment-admission/internal/validation"
)

// Typed outcomes surfaced to the caller. Contention errors (still
// processing, resource busy) are recoverable by caller-side retry; conflict
// is a client protocol violation.
var (
	ErrConflict        = errors.New("admission: idempotency token re-used with a different body")
	ErrStillProcessing = errors.New("admission: original request still processing")
	ErrResourceBusy    = errors.New("admission: resource lock unavailable")
)

// EventPublisher hands admitted-transaction events to the notification
// dispatcher.
type EventPublisher interface {
	Publish(event models.Event) error
}

// Config contains the runtime settings for the admission service.
type Config struct {
	// LockTTL bounds how long the per-merchant critical section may hold
	// its lock before it is forcibly reclaimable.
	LockTTL time.Duration
	// LockRetries is how many times Admit re-attempts a contended lock
	// before giving up with ErrResourceBusy.
	LockRetries int
	// LockRetryDelay is the pause between lock acquisition attempts.
	LockRetryDelay time.Duration
}

// Dependencies collects the collaborators required by the service.
type Dependencies struct {
	Idempotency  *idempotency.Store
	Locks        *lock.Manager
	Pipeline     *validation.Pipeline
	Transactions store.TransactionRepository
	Publisher    EventPublisher
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service admits payment-transaction creation requests exactly once under
// concurrent, possibly duplicate, submissions. Per-merchant velocity
// accounting is the shared resource serialized through the lock manager.
type Service struct {
	cfg          Config
	idem         *idempotency.Store
	locks        *lock.Manager
	pipeline     *validation.Pipeline
	transactions store.TransactionRepository
	publisher    EventPublisher
	logger       zerolog.Logger
	now          func() time.Time

	// velocity counts admitted transactions per merchant. The merchant's
	// lock section serializes same-merchant accounting; velocityMu guards
	// the map itself, which is shared across merchants holding different
	// locks.
	velocityMu sync.Mutex
	velocity   map[string]int64
}

// NewService constructs an admission service. The configuration and
// dependencies are validated to prevent misconfiguration at startup.
func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Idempotency == nil {
		return nil, errors.New("admission: idempotency store dependency is required")
	}
	if deps.Locks == nil {
		return nil, errors.New("admission: lock manager dependency is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("admission: validation pipeline dependency is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("admission: transaction repository dependency is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("admission: event publisher dependency is required")
	}
	if cfg.LockTTL <= 0 {
		return nil, errors.New("admission: lock ttl must be positive")
	}
	if cfg.LockRetries < 0 {
		return nil, errors.New("admission: lock retries cannot be negative")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Service{
		cfg:          cfg,
		idem:         deps.Idempotency,
		locks:        deps.Locks,
		pipeline:     deps.Pipeline,
		transactions: deps.Transactions,
		publisher:    deps.Publisher,
		logger:       logger.With().Str("component", "admission_service").Logger(),
		now:          nowFunc,
		velocity:     make(map[string]int64),
	}, nil
}

// Admit processes one payment creation request. Retried submissions with the
// same token and body replay the cached response; a token re-used with a
// different body fails with ErrConflict; a retry racing the original request
// fails with ErrStillProcessing.
func (s *Service) Admit(ctx context.Context, req *models.PaymentRequest) (*models.AdmissionResponse, error) {
	if req == nil {
		return nil, errors.New("admission: request is required")
	}
	if req.CallerID == "" || req.IdempotencyKey == "" {
		return nil, errors.New("admission: caller id and idempotency key are required")
	}

	fingerprint, err := idempotency.Fingerprint(req)
	if err != nil {
		return nil, fmt.Errorf("admission: fingerprint request: %w", err)
	}

	begin := s.idem.Begin(req.CallerID, req.IdempotencyKey, fingerprint)
	switch begin.Outcome {
	case idempotency.OutcomeConflict:
		return nil, ErrConflict
	case idempotency.OutcomePending:
		return nil, ErrStillProcessing
	case idempotency.OutcomeDuplicate:
		var cached models.AdmissionResponse
		if err := json.Unmarshal(begin.Response, &cached); err != nil {
			return nil, fmt.Errorf("admission: decode cached response: %w", err)
		}
		s.logger.Debug().
			Str("caller_id", req.CallerID).
			Str("transaction_id", cached.TransactionID).
			Msg("replayed cached response for duplicate request")
		return &cached, nil
	}

	response, err := s.process(ctx, req)
	if err != nil {
		// Contention and internal failures leave no cacheable outcome;
		// drop the in-flight record so the caller can retry from scratch.
		s.idem.Abort(req.CallerID, req.IdempotencyKey, fingerprint)
		return nil, err
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("admission: encode response: %w", err)
	}
	s.idem.Complete(req.CallerID, req.IdempotencyKey, fingerprint, payload)

	return response, nil
}

func (s *Service) process(ctx context.Context, req *models.PaymentRequest) (*models.AdmissionResponse, error) {
	if verr := s.pipeline.Validate(ctx, req); verr != nil {
		return nil, verr
	}

	if err := s.recordVelocity(req.MerchantID); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &models.Transaction{
		ID:            uuid.NewString(),
		MerchantID:    req.MerchantID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        models.StatusPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("admission: persist transaction: %w", err)
	}

	event := models.Event{
		EventType:     models.EventTransactionCreated,
		TransactionID: tx.ID,
		MerchantID:    tx.MerchantID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PaymentMethod: tx.PaymentMethod,
		Status:        tx.Status,
		Timestamp:     now,
		Metadata:      req.Metadata,
	}
	if err := s.publisher.Publish(event); err != nil {
		// The transaction is already admitted; a publish failure must not
		// fail the request. The dispatcher's own failure handling covers
		// delivery, this branch only fires when the dispatcher is closed.
		s.logger.Error().
			Str("transaction_id", tx.ID).
			Err(err).
			Msg("failed to hand event to dispatcher")
	}

	s.logger.Info().
		Str("transaction_id", tx.ID).
		Str("merchant_id", tx.MerchantID).
		Int64("amount", tx.Amount).
		Str("currency", tx.Currency).
		Msg("transaction admitted")

	return &models.AdmissionResponse{
		TransactionID: tx.ID,
		Status:        tx.Status,
		CreatedAt:     now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// recordVelocity increments the merchant's admission counter inside the
// merchant's lock section. Acquisition is non-blocking, so contention is
// absorbed by a bounded retry loop before giving up with ErrResourceBusy.
func (s *Service) recordVelocity(merchantID string) error {
	key := "merchant:" + merchantID

	for attempt := 0; ; attempt++ {
		err := s.locks.WithLock(key, s.cfg.LockTTL, func() error {
			s.velocityMu.Lock()
			s.velocity[merchantID]++
			s.velocityMu.Unlock()
			return nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, lock.ErrLocked) {
			return err
		}
		if attempt >= s.cfg.LockRetries {
			return ErrResourceBusy
		}
		time.Sleep(s.cfg.LockRetryDelay)
	}
}

// Velocity reports the admitted-transaction count for a merchant. It takes
// the merchant's lock like every other accessor of the counter.
func (s *Service) Velocity(merchantID string) (int64, error) {
	var count int64
	err := s.locks.WithLock("merchant:"+merchantID, s.cfg.LockTTL, func() error {
		s.velocityMu.Lock()
		count = s.velocity[merchantID]
		s.velocityMu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
