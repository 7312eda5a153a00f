package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/payment-admission/internal/delivery"
	"github.com/example/payment-admission/internal/models"
)

// FailureQueue receives events whose first delivery attempt failed.
// Transient failures are enqueued for redelivery; permanently-classified
// ones go straight to the dead letter path.
type FailureQueue interface {
	Enqueue(event models.Event)
	DeadLetter(event models.Event, cause error)
}

// Config contains the runtime settings for the dispatcher.
type Config struct {
	// BufferSize bounds the mailbox between the admission path and the
	// delivery workers. Zero falls back to a sensible default.
	BufferSize int
	// Concurrency caps the number of simultaneous delivery attempts.
	Concurrency int
}

// Dependencies collects the collaborators required by the dispatcher.
type Dependencies struct {
	Deliverer delivery.Deliverer
	Retries   FailureQueue
	Logger    zerolog.Logger
}

const defaultBufferSize = 256

// Dispatcher consumes admitted-transaction events, performs one delivery
// attempt per event and routes failures into the retry queue. Publishing is
// decoupled from the admission path through a buffered mailbox, so a slow or
// failing delivery never delays the transaction-creation response.
type Dispatcher struct {
	deliverer delivery.Deliverer
	retries   FailureQueue
	logger    zerolog.Logger

	sem     *semaphore.Weighted
	mailbox chan models.Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher constructs a dispatcher and starts its consumption loop.
// Callers must invoke Close at shutdown.
func NewDispatcher(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if deps.Deliverer == nil {
		return nil, errors.New("dispatch: deliverer dependency is required")
	}
	if deps.Retries == nil {
		return nil, errors.New("dispatch: failure queue dependency is required")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("dispatch: concurrency must be >= 1")
	}
	if cfg.BufferSize < 0 {
		return nil, errors.New("dispatch: buffer size cannot be negative")
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultBufferSize
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		deliverer: deps.Deliverer,
		retries:   deps.Retries,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		mailbox:   make(chan models.Event, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.wg.Add(1)
	go d.run()

	return d, nil
}

// Publish hands an event to the dispatcher without blocking the caller. When
// the mailbox is full the event is routed straight into the retry queue so
// no admitted transaction ever loses its notification.
func (d *Dispatcher) Publish(event models.Event) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("dispatch: dispatcher is closed")
	}

	// The non-blocking send happens under the mutex so Close cannot close
	// the mailbox between the check above and the send.
	select {
	case d.mailbox <- event.Clone():
		d.mu.Unlock()
		return nil
	default:
		d.mu.Unlock()
		d.logger.Warn().
			Str("transaction_id", event.TransactionID).
			Msg("mailbox full, handing event directly to retry queue")
		d.retries.Enqueue(event)
		return nil
	}
}

// Close stops accepting events, drains the mailbox through the normal
// delivery path and returns once all workers have finished.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.mailbox)
		d.wg.Wait()
		d.cancel()
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for event := range d.mailbox {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.retries.Enqueue(event)
			continue
		}

		ev := event
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.deliver(ev)
		}()
	}
}

func (d *Dispatcher) deliver(event models.Event) {
	err := d.deliverer.Deliver(d.ctx, event)
	if err == nil {
		d.logger.Debug().
			Str("transaction_id", event.TransactionID).
			Str("event_type", event.EventType).
			Msg("event delivered")
		return
	}

	if errors.Is(err, delivery.ErrPermanent) {
		d.logger.Error().
			Str("transaction_id", event.TransactionID).
			Str("event_type", event.EventType).
			Err(err).
			Msg("permanent delivery failure, dead-lettering event")
		d.retries.DeadLetter(event, err)
		return
	}

	d.logger.Warn().
		Str("transaction_id", event.TransactionID).
		Str("event_type", event.EventType).
		Err(err).
		Msg("delivery failed, enqueueing for retry")
	d.retries.Enqueue(event)
}
