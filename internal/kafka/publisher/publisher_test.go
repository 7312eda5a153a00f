package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/delivery"
	"github.com/example/payment-admission/internal/kafka/publisher"
	"github.com/example/payment-admission/internal/models"
)

type producerStub struct {
	err      error
	topics   []string
	keys     [][]byte
	headers  []map[string][]byte
	payloads [][]byte
}

func (p *producerStub) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.headers = append(p.headers, headers)
	p.payloads = append(p.payloads, payload)
	return p.err
}

func sampleEvent() models.Event {
	return models.Event{
		EventType:     models.EventTransactionCreated,
		TransactionID: "tx-123",
		MerchantID:    "m-1",
		Amount:        2500,
		Currency:      "USD",
		PaymentMethod: "card",
		Status:        models.StatusPending,
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventPublisherDeliver(t *testing.T) {
	stub := &producerStub{}
	pub := publisher.NewEventPublisher(stub, "notifications", zerolog.Nop())

	if err := pub.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}

	if len(stub.topics) != 1 || stub.topics[0] != "notifications" {
		t.Fatalf("expected one publish to notifications, got %v", stub.topics)
	}
	if string(stub.keys[0]) != "tx-123" {
		t.Fatalf("expected message key tx-123, got %q", stub.keys[0])
	}
	if got := string(stub.headers[0]["event-type"]); got != models.EventTransactionCreated {
		t.Fatalf("unexpected event-type header: %q", got)
	}

	var decoded models.Event
	if err := json.Unmarshal(stub.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.TransactionID != "tx-123" || decoded.Amount != 2500 {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
}

func TestEventPublisherDeliverTransientOnBrokerError(t *testing.T) {
	stub := &producerStub{err: errors.New("broker unavailable")}
	pub := publisher.NewEventPublisher(stub, "notifications", zerolog.Nop())

	err := pub.Deliver(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected error from failed publish")
	}
	if !errors.Is(err, delivery.ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestNewEventPublisherRequiresProducer(t *testing.T) {
	if pub := publisher.NewEventPublisher(nil, "notifications", zerolog.Nop()); pub != nil {
		t.Fatal("expected nil publisher when producer is missing")
	}
}

func TestDeadLetterPublisher(t *testing.T) {
	stub := &producerStub{}
	pub := publisher.NewDeadLetterPublisher(stub, "payments.dlq", zerolog.Nop())

	record := models.DeadLetterRecord{
		TransactionID: "tx-dead",
		Event:         sampleEvent(),
		Attempts:      4,
		LastError:     "broker unavailable",
		FirstFailedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		LastAttemptAt: time.Date(2024, 5, 1, 12, 2, 35, 0, time.UTC),
	}

	if err := pub.PublishDeadLetter(context.Background(), record); err != nil {
		t.Fatalf("PublishDeadLetter returned error: %v", err)
	}

	if len(stub.topics) != 1 || stub.topics[0] != "payments.dlq" {
		t.Fatalf("expected one publish to payments.dlq, got %v", stub.topics)
	}
	if string(stub.keys[0]) != "tx-dead" {
		t.Fatalf("expected message key tx-dead, got %q", stub.keys[0])
	}

	var decoded models.DeadLetterRecord
	if err := json.Unmarshal(stub.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.Attempts != 4 || decoded.LastError != "broker unavailable" {
		t.Fatalf("decoded record mismatch: %+v", decoded)
	}
}

func TestDeadLetterPublisherPropagatesError(t *testing.T) {
	stub := &producerStub{err: errors.New("broker unavailable")}
	pub := publisher.NewDeadLetterPublisher(stub, "payments.dlq", zerolog.Nop())

	if err := pub.PublishDeadLetter(context.Background(), models.DeadLetterRecord{TransactionID: "tx"}); err == nil {
		t.Fatal("expected error from failed publish")
	}
}
