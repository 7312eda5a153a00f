package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultSessionTimeout = 30 * time.Second
	defaultHeartbeat      = 3 * time.Second
	defaultConsumeBackoff = time.Second
)

// Handler is invoked for every record delivered by the consumer.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config *sarama.Config
}

// WithConfig allows callers to supply a Sarama config. The configuration is
// cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// Consumer wraps a Sarama consumer group. Offsets are committed explicitly
// through Record commits so a request is only acknowledged once admission
// has run for it.
type Consumer struct {
	logger zerolog.Logger

	group        sarama.ConsumerGroup
	groupID      string
	handler      Handler
	errorsDoneCh chan struct{}

	ready atomic.Bool

	mu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Record represents a Kafka message delivered by the consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage

	mu        sync.Mutex
	committed bool
}

// New constructs a consumer for the supplied brokers and consumer group.
func New(brokers []string, groupID string, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{config: defaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cloneConfig(settings.config))
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:       logger,
		group:        group,
		groupID:      groupID,
		errorsDoneCh: make(chan struct{}),
	}

	go c.consumeErrors()

	return c, nil
}

// Consume subscribes to the provided topics and invokes the supplied handler
// for each record. The call blocks until the provided context is cancelled
// or an unrecoverable error occurs.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.group.Consume(ctx, topics, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error().Err(err).Msg("kafka consumer: consume error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
			continue
		}
	}
}

// Commit marks the record as processed and flushes the offset immediately.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.session == nil || record.message == nil {
		return errors.New("kafka consumer: record missing session data")
	}

	record.mu.Lock()
	if record.committed {
		record.mu.Unlock()
		return nil
	}
	record.committed = true
	record.mu.Unlock()

	record.session.MarkMessage(record.message, "")
	record.session.Commit()
	return nil
}

// IsReady returns true once the consumer has joined the group and is
// actively consuming.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close shuts down the consumer group and associated goroutines.
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().
		Str("group_id", h.consumer.groupID).
		Msg("kafka consumer group ready")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		record := &Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       cloneBytes(msg.Key),
			Value:     cloneBytes(msg.Value),
			Timestamp: msg.Timestamp,
			Headers:   fromHeaders(msg.Headers),
			session:   session,
			message:   msg,
		}

		h.consumer.mu.RLock()
		handler := h.consumer.handler
		h.consumer.mu.RUnlock()

		if handler == nil {
			h.consumer.logger.Error().Msg("kafka consumer: message received without handler")
			continue
		}

		if err := handler(session.Context(), record); err != nil {
			h.consumer.logger.Error().
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Err(err).
				Msg("kafka consumer: handler failed for record")
		}
	}
	return nil
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
