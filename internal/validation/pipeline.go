package validation

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/models"
)

// Layer identifies which validation layer rejected a request.
type Layer string

const (
	LayerSchema   Layer = "schema"
	LayerBusiness Layer = "business"
	LayerRisk     Layer = "risk"
)

// Error is the structured descriptor propagated for a rejected request.
type Error struct {
	Layer   Layer             `json:"layer"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("validation failed at %s layer [%s]: %s", e.Layer, e.Code, e.Message)
}

// Validator checks one aspect of a payment request. A nil return means the
// request passed this layer.
type Validator interface {
	Validate(ctx context.Context, req *models.PaymentRequest) *Error
}

// Pipeline runs a fixed sequence of validators and stops at the first
// failure.
type Pipeline struct {
	validators []Validator
	logger     zerolog.Logger
}

// NewPipeline constructs a pipeline over the supplied validators, run in
// order.
func NewPipeline(logger zerolog.Logger, validators ...Validator) *Pipeline {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Pipeline{
		validators: validators,
		logger:     logger.With().Str("component", "validation_pipeline").Logger(),
	}
}

// Validate runs the layers in order, returning the first failure.
func (p *Pipeline) Validate(ctx context.Context, req *models.PaymentRequest) *Error {
	for _, v := range p.validators {
		if v == nil {
			continue
		}
		if verr := v.Validate(ctx, req); verr != nil {
			p.logger.Info().
				Str("layer", string(verr.Layer)).
				Str("code", verr.Code).
				Str("merchant_id", req.MerchantID).
				Msg("request rejected by validation")
			return verr
		}
	}
	return nil
}
