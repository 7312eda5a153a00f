package admission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/admission"
	"github.com/example/payment-admission/internal/idempotency"
	"github.com/example/payment-admission/internal/lock"
	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/store"
	"github.com/example/payment-admission/internal/validation"
)

type publisherStub struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *publisherStub) Publish(event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *publisherStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc       *admission.Service
	publisher *publisherStub
	txs       *store.MemoryTransactionRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	locks := lock.NewManager(zerolog.Nop(), lock.WithSweepInterval(0))
	t.Cleanup(locks.Close)

	merchants := store.NewMemoryMerchantRepository(models.Merchant{
		ID:        "m-1",
		Name:      "Test Merchant",
		Active:    true,
		MaxAmount: 100000,
	})

	pipeline := validation.NewPipeline(zerolog.Nop(),
		validation.NewSchemaValidator(),
		validation.NewBusinessValidator(validation.BusinessConfig{
			AllowedCurrencies: []string{"USD"},
			MinAmount:         1,
			MaxAmount:         1000000,
		}),
		validation.NewRiskValidator(merchants),
	)

	publisher := &publisherStub{}
	txs := store.NewMemoryTransactionRepository()

	svc, err := admission.NewService(admission.Config{
		LockTTL:        time.Second,
		LockRetries:    50,
		LockRetryDelay: time.Millisecond,
	}, admission.Dependencies{
		Idempotency:  idempotency.NewStore(zerolog.Nop()),
		Locks:        locks,
		Pipeline:     pipeline,
		Transactions: txs,
		Publisher:    publisher,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	return &fixture{svc: svc, publisher: publisher, txs: txs}
}

func request(token string) *models.PaymentRequest {
	return &models.PaymentRequest{
		MerchantID:     "m-1",
		Amount:         2500,
		Currency:       "USD",
		PaymentMethod:  "card",
		CallerID:       "caller-1",
		IdempotencyKey: token,
	}
}

func TestAdmitCreatesTransactionAndPublishesEvent(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Admit(context.Background(), request("token-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if resp.TransactionID == "" || resp.Status != models.StatusPending {
		t.Fatalf("unexpected response: %+v", resp)
	}

	tx, err := f.txs.Get(context.Background(), resp.TransactionID)
	if err != nil {
		t.Fatalf("transaction not persisted: %v", err)
	}
	if tx.MerchantID != "m-1" || tx.Amount != 2500 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	if f.publisher.count() != 1 {
		t.Fatalf("expected one published event, got %d", f.publisher.count())
	}
}

func TestRetryWithSameBodyReplaysCachedResponse(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Admit(context.Background(), request("token-1"))
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	second, err := f.svc.Admit(context.Background(), request("token-1"))
	if err != nil {
		t.Fatalf("retried admit: %v", err)
	}

	if second.TransactionID != first.TransactionID {
		t.Fatalf("retry created a new transaction: %s vs %s", second.TransactionID, first.TransactionID)
	}
	if f.txs.Len() != 1 {
		t.Fatalf("expected a single persisted transaction, got %d", f.txs.Len())
	}
	if f.publisher.count() != 1 {
		t.Fatalf("duplicate must not publish another event, got %d", f.publisher.count())
	}
}

func TestTokenReuseWithDifferentBodyConflicts(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Admit(context.Background(), request("token-1")); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	changed := request("token-1")
	changed.Amount = 9999

	_, err := f.svc.Admit(context.Background(), changed)
	if !errors.Is(err, admission.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestValidationFailureSurfacesLayeredError(t *testing.T) {
	f := newFixture(t)

	bad := request("token-1")
	bad.Currency = "GBP"

	_, err := f.svc.Admit(context.Background(), bad)
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Layer != validation.LayerBusiness || verr.Code != "unsupported_currency" {
		t.Fatalf("unexpected validation error: %+v", verr)
	}

	// A rejected request must not poison the token: a corrected retry with
	// the same token proceeds.
	good := request("token-1")
	if _, err := f.svc.Admit(context.Background(), good); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
}

func TestConcurrentDuplicatesAdmitExactlyOnce(t *testing.T) {
	f := newFixture(t)

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	pendings := 0

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.Admit(context.Background(), request("token-1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, admission.ErrStillProcessing):
				pendings++
			default:
				t.Errorf("unexpected admit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes < 1 {
		t.Fatalf("expected at least one success, got %d (pending %d)", successes, pendings)
	}
	if f.txs.Len() != 1 {
		t.Fatalf("expected exactly one persisted transaction, got %d", f.txs.Len())
	}
	if f.publisher.count() != 1 {
		t.Fatalf("expected exactly one published event, got %d", f.publisher.count())
	}
}

func TestVelocityCountsEveryAdmission(t *testing.T) {
	f := newFixture(t)

	const requests = 10
	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func(idx int) {
			defer wg.Done()
			req := request("token-" + string(rune('a'+idx)))
			if _, err := f.svc.Admit(context.Background(), req); err != nil {
				t.Errorf("admit %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	count, err := f.svc.Velocity("m-1")
	if err != nil {
		t.Fatalf("velocity: %v", err)
	}
	if count != requests {
		t.Fatalf("lost velocity updates: got %d want %d", count, requests)
	}
}

func TestConcurrentAdmissionsAcrossMerchants(t *testing.T) {
	const merchantCount = 8
	const perMerchant = 25

	locks := lock.NewManager(zerolog.Nop(), lock.WithSweepInterval(0))
	t.Cleanup(locks.Close)

	seed := make([]models.Merchant, 0, merchantCount)
	for i := 0; i < merchantCount; i++ {
		seed = append(seed, models.Merchant{
			ID:        fmt.Sprintf("m-%d", i),
			Name:      fmt.Sprintf("Merchant %d", i),
			Active:    true,
			MaxAmount: 100000,
		})
	}
	merchants := store.NewMemoryMerchantRepository(seed...)

	pipeline := validation.NewPipeline(zerolog.Nop(),
		validation.NewSchemaValidator(),
		validation.NewBusinessValidator(validation.BusinessConfig{
			AllowedCurrencies: []string{"USD"},
			MinAmount:         1,
			MaxAmount:         1000000,
		}),
		validation.NewRiskValidator(merchants),
	)

	txs := store.NewMemoryTransactionRepository()
	svc, err := admission.NewService(admission.Config{
		LockTTL:        time.Second,
		LockRetries:    100,
		LockRetryDelay: time.Millisecond,
	}, admission.Dependencies{
		Idempotency:  idempotency.NewStore(zerolog.Nop()),
		Locks:        locks,
		Pipeline:     pipeline,
		Transactions: txs,
		Publisher:    &publisherStub{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// Different merchants hold different locks, so these admissions hit the
	// velocity table genuinely in parallel.
	var wg sync.WaitGroup
	for i := 0; i < merchantCount; i++ {
		for j := 0; j < perMerchant; j++ {
			wg.Add(1)
			go func(m, n int) {
				defer wg.Done()
				req := &models.PaymentRequest{
					MerchantID:     fmt.Sprintf("m-%d", m),
					Amount:         100,
					Currency:       "USD",
					PaymentMethod:  "card",
					CallerID:       "caller-1",
					IdempotencyKey: fmt.Sprintf("m%d-n%d", m, n),
				}
				if _, err := svc.Admit(context.Background(), req); err != nil {
					t.Errorf("admit merchant %d request %d: %v", m, n, err)
				}
			}(i, j)
		}
	}
	wg.Wait()

	for i := 0; i < merchantCount; i++ {
		count, err := svc.Velocity(fmt.Sprintf("m-%d", i))
		if err != nil {
			t.Fatalf("velocity merchant %d: %v", i, err)
		}
		if count != perMerchant {
			t.Fatalf("merchant %d lost velocity updates: got %d want %d", i, count, perMerchant)
		}
	}
	if txs.Len() != merchantCount*perMerchant {
		t.Fatalf("expected %d transactions, got %d", merchantCount*perMerchant, txs.Len())
	}
}

func TestMissingCallerMetadataRejected(t *testing.T) {
	f := newFixture(t)

	req := request("token-1")
	req.IdempotencyKey = ""
	if _, err := f.svc.Admit(context.Background(), req); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}

	req = request("token-2")
	req.CallerID = ""
	if _, err := f.svc.Admit(context.Background(), req); err == nil {
		t.Fatal("expected error for missing caller id")
	}
}
