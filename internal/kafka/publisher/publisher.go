package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/delivery"
	"github.com/example/payment-admission/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the
// Kafka publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// EventPublisher delivers transaction events to a notification topic. It
// implements the delivery.Deliverer capability, so it plugs directly into
// the dispatcher and the retry queue. Failures are classified transient:
// broker hiccups are exactly what the retry schedule exists for.
type EventPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewEventPublisher constructs an EventPublisher instance.
func NewEventPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *EventPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &EventPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// Deliver writes the supplied event to the notification topic synchronously.
func (p *EventPublisher) Deliver(_ context.Context, event models.Event) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return delivery.WrapPermanent(fmt.Errorf("kafka publisher: marshal event: %w", err))
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"event-type":   []byte(event.EventType),
	}

	if err := p.producer.PublishSync(p.topic, []byte(event.TransactionID), headers, payload); err != nil {
		return delivery.WrapTransient(fmt.Errorf("kafka publisher: publish event: %w", err))
	}
	return nil
}

// DeadLetterPublisher writes dead-letter records to the configured topic.
// It implements the retry queue's DeadLetterSink.
type DeadLetterPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDeadLetterPublisher constructs a DeadLetterPublisher instance.
func NewDeadLetterPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DeadLetterPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DeadLetterPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDeadLetter writes the supplied record to the dead-letter topic.
func (p *DeadLetterPublisher) PublishDeadLetter(_ context.Context, record models.DeadLetterRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dead letter record: %w", err)
	}

	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	if err := p.producer.PublishSync(p.topic, []byte(record.TransactionID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dead letter record: %w", err)
	}
	return nil
}
