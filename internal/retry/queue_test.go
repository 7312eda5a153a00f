package retry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/payment-admission/internal/delivery"
	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/retry"
)

// compressedSchedule keeps tests fast while preserving the shape of the
// production schedule: immediate first attempt, then increasing delays.
var compressedSchedule = []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond}

type delivererStub struct {
	mu       sync.Mutex
	failures int
	calls    []models.Event
	done     chan struct{}
	doneAt   int
}

func newDelivererStub(failures, signalAt int) *delivererStub {
	return &delivererStub{
		failures: failures,
		done:     make(chan struct{}),
		doneAt:   signalAt,
	}
}

func (d *delivererStub) Deliver(_ context.Context, event models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, event)
	if d.doneAt > 0 && len(d.calls) == d.doneAt {
		close(d.done)
	}
	if len(d.calls) <= d.failures {
		return delivery.WrapTransient(nil)
	}
	return nil
}

func (d *delivererStub) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type deadLetterCollector struct {
	mu      sync.Mutex
	records []models.DeadLetterRecord
	done    chan struct{}
}

func newDeadLetterCollector() *deadLetterCollector {
	return &deadLetterCollector{done: make(chan struct{})}
}

func (c *deadLetterCollector) PublishDeadLetter(_ context.Context, record models.DeadLetterRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	if len(c.records) == 1 {
		close(c.done)
	}
	return nil
}

func (c *deadLetterCollector) all() []models.DeadLetterRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.DeadLetterRecord(nil), c.records...)
}

func testEvent(txID string) models.Event {
	return models.Event{
		EventType:     models.EventTransactionCreated,
		TransactionID: txID,
		MerchantID:    "m-1",
		Amount:        100,
		Currency:      "USD",
		PaymentMethod: "card",
		Status:        models.StatusPending,
		Timestamp:     time.Unix(0, 0).UTC(),
	}
}

func newQueue(t *testing.T, deliverer delivery.Deliverer, sink retry.DeadLetterSink) *retry.Queue {
	t.Helper()
	q, err := retry.NewQueue(retry.Config{Schedule: compressedSchedule}, retry.Dependencies{
		Deliverer:  deliverer,
		DeadLetter: sink,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestAlwaysFailingEventExhaustsScheduleExactly(t *testing.T) {
	stub := newDelivererStub(100, 0)
	sink := newDeadLetterCollector()
	q := newQueue(t, stub, sink)

	q.Enqueue(testEvent("tx-1"))

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}

	// Allow any (incorrect) extra attempt to surface before counting.
	time.Sleep(50 * time.Millisecond)

	if got := stub.callCount(); got != len(compressedSchedule) {
		t.Fatalf("expected exactly %d attempts, got %d", len(compressedSchedule), got)
	}

	records := sink.all()
	if len(records) != 1 {
		t.Fatalf("expected one dead letter record, got %d", len(records))
	}
	if records[0].TransactionID != "tx-1" || records[0].Attempts != len(compressedSchedule) {
		t.Fatalf("unexpected dead letter record: %+v", records[0])
	}

	stats := q.Stats()
	if stats.Failed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats after exhaustion: %+v", stats)
	}
}

func TestEventSucceedingOnThirdAttemptIsRemoved(t *testing.T) {
	stub := newDelivererStub(2, 3)
	sink := newDeadLetterCollector()
	q := newQueue(t, stub, sink)

	q.Enqueue(testEvent("tx-1"))

	select {
	case <-stub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for third attempt")
	}

	time.Sleep(50 * time.Millisecond)

	if got := stub.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if records := sink.all(); len(records) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(records))
	}

	stats := q.Stats()
	if stats.Succeeded != 1 || stats.Active != 0 || stats.Retried != 2 {
		t.Fatalf("unexpected stats after recovery: %+v", stats)
	}
}

type permanentStub struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func newPermanentStub() *permanentStub {
	return &permanentStub{done: make(chan struct{})}
}

func (d *permanentStub) Deliver(context.Context, models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls == 1 {
		close(d.done)
	}
	return delivery.WrapPermanent(nil)
}

func (d *permanentStub) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestPermanentFailureEndsScheduleEarly(t *testing.T) {
	stub := newPermanentStub()
	sink := newDeadLetterCollector()
	q := newQueue(t, stub, sink)

	q.Enqueue(testEvent("tx-1"))

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead letter")
	}

	// Allow any (incorrect) rescheduled attempt to surface before counting.
	time.Sleep(50 * time.Millisecond)

	if got := stub.callCount(); got != 1 {
		t.Fatalf("permanent failure must not be reattempted, got %d attempts", got)
	}

	records := sink.all()
	if len(records) != 1 || records[0].Attempts != 1 {
		t.Fatalf("unexpected dead letter records: %+v", records)
	}

	stats := q.Stats()
	if stats.Failed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats after permanent failure: %+v", stats)
	}
}

func TestDeadLetterBypassesSchedule(t *testing.T) {
	stub := newDelivererStub(0, 0)
	sink := newDeadLetterCollector()
	q := newQueue(t, stub, sink)

	q.DeadLetter(testEvent("tx-1"), delivery.WrapPermanent(nil))

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dead letter")
	}

	if got := stub.callCount(); got != 0 {
		t.Fatalf("dead-lettered event must not be delivered, got %d attempts", got)
	}

	records := sink.all()
	if len(records) != 1 || records[0].TransactionID != "tx-1" || records[0].Attempts != 1 {
		t.Fatalf("unexpected dead letter records: %+v", records)
	}

	stats := q.Stats()
	if stats.Failed != 1 || stats.Enqueued != 0 || stats.Active != 0 {
		t.Fatalf("unexpected stats after direct dead letter: %+v", stats)
	}
}

func TestImmediateFirstAttempt(t *testing.T) {
	stub := newDelivererStub(0, 1)
	q := newQueue(t, stub, nil)

	q.Enqueue(testEvent("tx-1"))

	select {
	case <-stub.done:
	case <-time.After(time.Second):
		t.Fatal("first attempt was not scheduled immediately")
	}
}

func TestDuplicateEnqueueIsDropped(t *testing.T) {
	stub := newDelivererStub(100, 0)
	q := newQueue(t, stub, newDeadLetterCollector())

	q.Enqueue(testEvent("tx-1"))
	q.Enqueue(testEvent("tx-1"))

	stats := q.Stats()
	if stats.Enqueued != 1 {
		t.Fatalf("expected single live entry per transaction, enqueued=%d", stats.Enqueued)
	}
}

func TestEnqueueAfterCloseIsIgnored(t *testing.T) {
	stub := newDelivererStub(0, 0)
	q, err := retry.NewQueue(retry.Config{Schedule: compressedSchedule}, retry.Dependencies{Deliverer: stub})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	q.Close()
	q.Enqueue(testEvent("tx-1"))

	if stats := q.Stats(); stats.Enqueued != 0 || stats.Active != 0 {
		t.Fatalf("closed queue accepted work: %+v", stats)
	}
}

func TestCloseCancelsPendingRetries(t *testing.T) {
	stub := newDelivererStub(100, 1)
	q, err := retry.NewQueue(retry.Config{Schedule: []time.Duration{0, time.Hour, time.Hour, time.Hour}}, retry.Dependencies{Deliverer: stub})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	q.Enqueue(testEvent("tx-1"))

	select {
	case <-stub.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first attempt")
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return while a retry was pending")
	}
}

func TestRejectsNegativeScheduleDelay(t *testing.T) {
	_, err := retry.NewQueue(retry.Config{Schedule: []time.Duration{0, -time.Second}}, retry.Dependencies{
		Deliverer: newDelivererStub(0, 0),
	})
	if err == nil {
		t.Fatal("expected error for negative schedule delay")
	}
}

func TestRequiresDeliverer(t *testing.T) {
	if _, err := retry.NewQueue(retry.Config{}, retry.Dependencies{}); err == nil {
		t.Fatal("expected error when deliverer is missing")
	}
}
