package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/admission"
	"github.com/example/payment-admission/internal/kafka/consumer"
	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/util"
	"github.com/example/payment-admission/internal/validation"
)

// Header keys carried on inbound request records.
const (
	HeaderCallerID       = "caller-id"
	HeaderIdempotencyKey = "idempotency-key"
)

// Metadata limits applied before a request reaches admission.
const (
	maxMetadataEntries  = 16
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 256
)

// Admitter is the admission capability the intake handler drives.
type Admitter interface {
	Admit(ctx context.Context, req *models.PaymentRequest) (*models.AdmissionResponse, error)
}

// Committer commits Kafka offsets after a record has been fully handled.
type Committer interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

const (
	defaultAdmitRetries    = 3
	defaultAdmitRetryDelay = 100 * time.Millisecond
)

// Config contains the runtime settings for the intake handler.
type Config struct {
	// MsgMaxBytes rejects oversized payloads before they reach parsing.
	// Zero disables the check.
	MsgMaxBytes int
	// AdmitRetries bounds how often a contended admission is reattempted
	// in-process before the record is committed. Zero falls back to a
	// sensible default.
	AdmitRetries int
	// AdmitRetryDelay is the pause between admission attempts.
	AdmitRetryDelay time.Duration
}

// Dependencies collects the collaborators required by the handler.
type Dependencies struct {
	Service   Admitter
	Committer Committer
	Logger    zerolog.Logger
}

// Handler turns inbound Kafka records into admission calls. Every record is
// driven to a terminal outcome and committed: admitted, replayed,
// conflicted, or rejected. Contention (the original request still in flight,
// or the merchant lock saturated) is absorbed by a bounded in-process retry
// of the admission call; offsets advance in fetch order, so leaving a record
// uncommitted would not hold it for redelivery once later records commit.
type Handler struct {
	cfg       Config
	service   Admitter
	committer Committer
	logger    zerolog.Logger
}

// NewHandler constructs an intake handler. The dependencies are validated to
// prevent misconfiguration at startup.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if deps.Service == nil {
		return nil, errors.New("intake: admission service dependency is required")
	}
	if deps.Committer == nil {
		return nil, errors.New("intake: committer dependency is required")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("intake: msg max bytes cannot be negative")
	}
	if cfg.AdmitRetries < 0 {
		return nil, errors.New("intake: admit retries cannot be negative")
	}
	if cfg.AdmitRetries == 0 {
		cfg.AdmitRetries = defaultAdmitRetries
	}
	if cfg.AdmitRetryDelay <= 0 {
		cfg.AdmitRetryDelay = defaultAdmitRetryDelay
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Handler{
		cfg:       cfg,
		service:   deps.Service,
		committer: deps.Committer,
		logger:    logger.With().Str("component", "intake_handler").Logger(),
	}, nil
}

// KafkaHandler adapts the handler to the consumer's callback signature.
func (h *Handler) KafkaHandler() consumer.Handler {
	return func(ctx context.Context, record *consumer.Record) error {
		return h.Handle(ctx, record)
	}
}

// Handle processes a single inbound record.
func (h *Handler) Handle(ctx context.Context, record *consumer.Record) error {
	if record == nil {
		return nil
	}

	logger := h.logger.With().
		Str("topic", record.Topic).
		Int64("offset", record.Offset).
		Logger()

	if err := util.EnsureMaxBytes("payload", record.Value, h.cfg.MsgMaxBytes); err != nil {
		logger.Warn().
			Int("size", len(record.Value)).
			Err(err).
			Msg("record discarded because it exceeds configured size limit")
		return h.commit(ctx, record, logger)
	}

	req, err := h.parse(record)
	if err != nil {
		logger.Warn().Err(err).Msg("record discarded because it could not be parsed")
		return h.commit(ctx, record, logger)
	}

	resp, err := h.admit(ctx, req)
	if err != nil {
		return h.handleAdmitError(ctx, record, req, err, logger)
	}

	logger.Info().
		Str("caller_id", req.CallerID).
		Str("transaction_id", resp.TransactionID).
		Str("status", resp.Status).
		Msg("request admitted")

	return h.commit(ctx, record, logger)
}

func (h *Handler) handleAdmitError(ctx context.Context, record *consumer.Record, req *models.PaymentRequest, err error, logger zerolog.Logger) error {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		logger.Warn().
			Str("caller_id", req.CallerID).
			Str("layer", string(verr.Layer)).
			Str("code", verr.Code).
			Msg("request rejected by validation")
		return h.commit(ctx, record, logger)

	case errors.Is(err, admission.ErrConflict):
		logger.Warn().
			Str("caller_id", req.CallerID).
			Msg("idempotency token re-used with a different body")
		return h.commit(ctx, record, logger)

	case errors.Is(err, admission.ErrStillProcessing), errors.Is(err, admission.ErrResourceBusy):
		// The retry budget in admit is exhausted. For a still-processing
		// token the original in-flight request owns the outcome; a
		// saturated merchant lock at this point is a real drop, logged at
		// error level.
		logger.Error().
			Str("caller_id", req.CallerID).
			Err(err).
			Msg("contention persisted through retry budget, committing record")
		return h.commit(ctx, record, logger)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err

	default:
		logger.Error().
			Str("caller_id", req.CallerID).
			Err(err).
			Msg("admission failed")
		return err
	}
}

// admit drives the admission call, absorbing contention with a bounded
// retry loop. Non-contention errors return immediately.
func (h *Handler) admit(ctx context.Context, req *models.PaymentRequest) (*models.AdmissionResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := h.service.Admit(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, admission.ErrStillProcessing) && !errors.Is(err, admission.ErrResourceBusy) {
			return nil, err
		}
		if attempt >= h.cfg.AdmitRetries {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.cfg.AdmitRetryDelay):
		}
	}
}

func (h *Handler) parse(record *consumer.Record) (*models.PaymentRequest, error) {
	var req models.PaymentRequest
	if err := json.Unmarshal(record.Value, &req); err != nil {
		return nil, fmt.Errorf("intake: decode payment request: %w", err)
	}

	callerID, err := util.ValidateCallerID(string(record.Headers[HeaderCallerID]))
	if err != nil {
		return nil, fmt.Errorf("intake: caller-id header: %w", err)
	}
	key, err := util.ValidateIdempotencyKey(string(record.Headers[HeaderIdempotencyKey]))
	if err != nil {
		return nil, fmt.Errorf("intake: idempotency-key header: %w", err)
	}
	req.CallerID = callerID
	req.IdempotencyKey = key

	meta, err := util.ValidateMetadata(req.Metadata, maxMetadataEntries, maxMetadataKeyLen, maxMetadataValueLen)
	if err != nil {
		return nil, fmt.Errorf("intake: metadata: %w", err)
	}
	req.Metadata = meta

	return &req, nil
}

func (h *Handler) commit(ctx context.Context, record *consumer.Record, logger zerolog.Logger) error {
	if err := h.committer.Commit(ctx, record); err != nil {
		logger.Error().Err(err).Msg("failed to commit record offset")
		return err
	}
	return nil
}
