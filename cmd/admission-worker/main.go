package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/admission"
	"github.com/example/payment-admission/internal/config"
	"github.com/example/payment-admission/internal/dispatch"
	"github.com/example/payment-admission/internal/idempotency"
	"github.com/example/payment-admission/internal/intake"
	"github.com/example/payment-admission/internal/kafka/consumer"
	"github.com/example/payment-admission/internal/kafka/producer"
	kafkapublisher "github.com/example/payment-admission/internal/kafka/publisher"
	"github.com/example/payment-admission/internal/lock"
	"github.com/example/payment-admission/internal/logger"
	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/retry"
	"github.com/example/payment-admission/internal/store"
	"github.com/example/payment-admission/internal/validation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "admission-worker").Logger()

	prod, err := producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, log.With().Str("component", "consumer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	eventPublisher := kafkapublisher.NewEventPublisher(prod, cfg.Topics.Notifications, log.With().Str("component", "event-publisher").Logger())
	if eventPublisher == nil {
		log.Fatal().Msg("failed to create event publisher")
	}
	dlqPublisher := kafkapublisher.NewDeadLetterPublisher(prod, cfg.Topics.DeadLetter, log.With().Str("component", "dlq-publisher").Logger())
	if dlqPublisher == nil {
		log.Fatal().Msg("failed to create dead letter publisher")
	}

	retries, err := retry.NewQueue(retry.Config{Schedule: cfg.Retry.Schedule}, retry.Dependencies{
		Deliverer:  eventPublisher,
		DeadLetter: dlqPublisher,
		Logger:     log.With().Str("component", "retry-queue").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise retry queue")
	}
	defer retries.Close()

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		BufferSize:  cfg.Dispatch.BufferSize,
		Concurrency: cfg.Dispatch.Concurrency,
	}, dispatch.Dependencies{
		Deliverer: eventPublisher,
		Retries:   retries,
		Logger:    log.With().Str("component", "dispatcher").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatcher")
	}
	defer dispatcher.Close()

	locks := lock.NewManager(log.With().Str("component", "lock-manager").Logger(),
		lock.WithSweepInterval(cfg.Lock.SweepInterval))
	defer locks.Close()

	idem := idempotency.NewStore(log.With().Str("component", "idempotency-store").Logger())

	merchants := store.NewMemoryMerchantRepository(seedMerchants(cfg.Merchants, log)...)
	transactions := store.NewMemoryTransactionRepository()

	pipeline := validation.NewPipeline(log.With().Str("component", "validation").Logger(),
		validation.NewSchemaValidator(),
		validation.NewBusinessValidator(validation.BusinessConfig{
			AllowedCurrencies: cfg.Validation.AllowedCurrencies,
			MinAmount:         cfg.Validation.MinAmount,
			MaxAmount:         cfg.Validation.MaxAmount,
		}),
		validation.NewRiskValidator(merchants),
	)

	service, err := admission.NewService(admission.Config{
		LockTTL:        cfg.Lock.TTL,
		LockRetries:    cfg.Admission.LockRetries,
		LockRetryDelay: cfg.Admission.LockRetryDelay,
	}, admission.Dependencies{
		Idempotency:  idem,
		Locks:        locks,
		Pipeline:     pipeline,
		Transactions: transactions,
		Publisher:    dispatcher,
		Logger:       log,
		Now:          time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise admission service")
	}

	handler, err := intake.NewHandler(intake.Config{
		MsgMaxBytes:     cfg.Validation.MsgMaxBytes,
		AdmitRetries:    cfg.Intake.AdmitRetries,
		AdmitRetryDelay: cfg.Intake.AdmitRetryDelay,
	}, intake.Dependencies{
		Service:   service,
		Committer: cons,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise intake handler")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, []string{cfg.Topics.Requests}, handler.KafkaHandler()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("request_topic", cfg.Topics.Requests).
		Str("notification_topic", cfg.Topics.Notifications).
		Msg("admission worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
}

// seedMerchants parses "id:maxAmount" entries into merchant records.
// Malformed entries are logged and skipped.
func seedMerchants(entries []string, log zerolog.Logger) []models.Merchant {
	merchants := make([]models.Merchant, 0, len(entries))
	for _, raw := range entries {
		parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
		if parts[0] == "" {
			continue
		}
		m := models.Merchant{ID: parts[0], Name: parts[0], Active: true}
		if len(parts) == 2 {
			maxAmount, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				log.Warn().Str("entry", raw).Msg("skipping malformed merchant seed entry")
				continue
			}
			m.MaxAmount = maxAmount
		}
		merchants = append(merchants, m)
	}
	return merchants
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("admission worker init failed")
}
