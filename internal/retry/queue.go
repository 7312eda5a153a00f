package retry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/delivery"
	"github.com/example/payment-admission/internal/models"
)

// DefaultSchedule is the delay applied before attempts 1..4: an immediate
// first attempt followed by increasing backoff. The schedule length is the
// maximum attempt count.
var DefaultSchedule = []time.Duration{0, 5 * time.Second, 30 * time.Second, 2 * time.Minute}

// DeadLetterSink receives events whose delivery exhausted the schedule.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, record models.DeadLetterRecord) error
}

// DeadLetterSinkFunc adapts a plain function to the DeadLetterSink interface.
type DeadLetterSinkFunc func(ctx context.Context, record models.DeadLetterRecord) error

// PublishDeadLetter invokes the wrapped function.
func (f DeadLetterSinkFunc) PublishDeadLetter(ctx context.Context, record models.DeadLetterRecord) error {
	return f(ctx, record)
}

// Stats is a snapshot of the queue counters, intended for periodic logging.
type Stats struct {
	Enqueued  int64
	Retried   int64
	Succeeded int64
	Failed    int64
	Active    int
}

// Config contains the runtime settings for the retry queue.
type Config struct {
	// Schedule holds the delay applied before each attempt. Its length is
	// the maximum number of attempts. Empty falls back to DefaultSchedule.
	Schedule []time.Duration
}

// Dependencies collects the collaborators required by the queue.
type Dependencies struct {
	Deliverer  delivery.Deliverer
	DeadLetter DeadLetterSink
	Logger     zerolog.Logger
	Now        func() time.Time
}

type entry struct {
	event         models.Event
	attempt       int
	enqueuedAt    time.Time
	lastAttemptAt time.Time
	timer         *time.Timer
}

// Queue re-drives failed delivery attempts on a fixed backoff schedule and
// dead-letters events once the schedule is exhausted. Entries are keyed by
// transaction ID with at most one live entry per transaction; each entry is
// a timer-driven state machine whose scheduled retry is the sole trigger for
// its next transition, so no entry is ever touched by two concurrent
// attempts.
type Queue struct {
	schedule   []time.Duration
	deliverer  delivery.Deliverer
	deadLetter DeadLetterSink
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	enqueued  int64
	retried   int64
	succeeded int64
	failed    int64

	wg sync.WaitGroup
}

// NewQueue constructs a retry queue. Callers must invoke Close at shutdown
// to cancel outstanding timers and wait for in-flight attempts.
func NewQueue(cfg Config, deps Dependencies) (*Queue, error) {
	if deps.Deliverer == nil {
		return nil, errors.New("retry: deliverer dependency is required")
	}

	schedule := cfg.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	for _, d := range schedule {
		if d < 0 {
			return nil, errors.New("retry: schedule delays cannot be negative")
		}
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		schedule:   append([]time.Duration(nil), schedule...),
		deliverer:  deps.Deliverer,
		deadLetter: deps.DeadLetter,
		logger:     logger.With().Str("component", "retry_queue").Logger(),
		now:        nowFunc,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
	}, nil
}

// MaxAttempts reports the attempt budget derived from the schedule length.
func (q *Queue) MaxAttempts() int {
	return len(q.schedule)
}

// Enqueue inserts a new entry for the event at attempt 1 and schedules its
// first retry after the first delay of the schedule. Events with an entry
// already live for the same transaction are dropped: the existing state
// machine owns all further attempts.
func (q *Queue) Enqueue(event models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if _, exists := q.entries[event.TransactionID]; exists {
		q.logger.Warn().
			Str("transaction_id", event.TransactionID).
			Msg("retry already in progress for transaction, dropping enqueue")
		return
	}

	e := &entry{
		event:      event.Clone(),
		attempt:    1,
		enqueuedAt: q.now(),
	}
	q.entries[event.TransactionID] = e
	q.enqueued++

	q.scheduleLocked(e, q.schedule[0])

	q.logger.Debug().
		Str("transaction_id", event.TransactionID).
		Dur("delay", q.schedule[0]).
		Msg("delivery attempt enqueued for retry")
}

// DeadLetter records an event whose first delivery attempt failed
// permanently, without scheduling any retries. The dispatcher routes
// permanently-classified failures here; transient ones go through Enqueue.
func (q *Queue) DeadLetter(event models.Event, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	now := q.now()
	e := &entry{
		event:         event.Clone(),
		attempt:       1,
		enqueuedAt:    now,
		lastAttemptAt: now,
	}
	q.failed++
	q.logger.Error().
		Str("transaction_id", event.TransactionID).
		Err(cause).
		Msg("permanent delivery failure, dead-lettering event")
	q.publishDeadLetter(e, 1, cause)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Enqueued:  q.enqueued,
		Retried:   q.retried,
		Succeeded: q.succeeded,
		Failed:    q.failed,
		Active:    len(q.entries),
	}
}

// Close cancels outstanding timers, stops accepting new entries and waits
// for in-flight attempts to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	for id, e := range q.entries {
		if e.timer != nil && e.timer.Stop() {
			// The armed callback will never run, settle its wait-group slot.
			q.wg.Done()
		}
		delete(q.entries, id)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// scheduleLocked arms the entry timer. Must be called with the mutex held.
func (q *Queue) scheduleLocked(e *entry, delay time.Duration) {
	txID := e.event.TransactionID
	q.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.attempt(txID)
	})
}

func (q *Queue) attempt(txID string) {
	q.mu.Lock()
	e, exists := q.entries[txID]
	if !exists || q.closed {
		q.mu.Unlock()
		return
	}
	attempt := e.attempt
	event := e.event
	e.lastAttemptAt = q.now()
	q.mu.Unlock()

	err := q.deliverer.Deliver(q.ctx, event)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if _, still := q.entries[txID]; !still {
		return
	}

	if err == nil {
		delete(q.entries, txID)
		q.succeeded++
		q.logger.Info().
			Str("transaction_id", txID).
			Int("attempt", attempt).
			Msg("delivery succeeded on retry")
		return
	}

	// A permanent failure ends the schedule early: reattempting a request
	// the deliverer classified as unfixable only delays the dead letter.
	if errors.Is(err, delivery.ErrPermanent) || attempt >= len(q.schedule) {
		delete(q.entries, txID)
		q.failed++
		q.logger.Error().
			Str("transaction_id", txID).
			Int("attempts", attempt).
			Err(err).
			Msg("delivery permanently failed, dead-lettering event")
		q.publishDeadLetter(e, attempt, err)
		return
	}

	e.attempt = attempt + 1
	q.retried++
	delay := q.schedule[e.attempt-1]
	q.scheduleLocked(e, delay)

	q.logger.Warn().
		Str("transaction_id", txID).
		Int("attempt", attempt).
		Dur("next_delay", delay).
		Err(err).
		Msg("delivery attempt failed, retry scheduled")
}

// publishDeadLetter hands the exhausted entry to the dead-letter sink. Must
// be called with the mutex held; the sink call itself runs asynchronously so
// a slow sink cannot stall the timer callback.
func (q *Queue) publishDeadLetter(e *entry, attempts int, lastErr error) {
	if q.deadLetter == nil {
		return
	}

	record := models.DeadLetterRecord{
		TransactionID: e.event.TransactionID,
		Event:         e.event,
		Attempts:      attempts,
		LastError:     lastErr.Error(),
		FirstFailedAt: e.enqueuedAt,
		LastAttemptAt: e.lastAttemptAt,
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.deadLetter.PublishDeadLetter(q.ctx, record); err != nil {
			q.logger.Error().
				Str("transaction_id", record.TransactionID).
				Err(err).
				Msg("failed to publish dead letter record")
		}
	}()
}
