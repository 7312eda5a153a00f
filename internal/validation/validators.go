package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/payment-admission/internal/models"
	"github.com/example/payment-admission/internal/store"
)

// SchemaValidator checks the structural shape of the request using the
// validate struct tags declared on models.PaymentRequest.
type SchemaValidator struct {
	validate *validator.Validate
}

// NewSchemaValidator constructs a schema validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{validate: validator.New()}
}

// Validate implements the Validator interface.
func (v *SchemaValidator) Validate(ctx context.Context, req *models.PaymentRequest) *Error {
	if req == nil {
		return &Error{Layer: LayerSchema, Code: "empty_request", Message: "request body is required"}
	}

	err := v.validate.StructCtx(ctx, req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return &Error{
			Layer:   LayerSchema,
			Code:    "invalid_field",
			Message: fmt.Sprintf("field %s failed on the %s rule", first.Field(), first.Tag()),
			Details: map[string]string{
				"field": first.Field(),
				"rule":  first.Tag(),
			},
		}
	}

	return &Error{Layer: LayerSchema, Code: "invalid_request", Message: err.Error()}
}

// BusinessConfig holds the limits consulted by the business layer.
type BusinessConfig struct {
	AllowedCurrencies []string
	MinAmount         int64
	MaxAmount         int64
}

// BusinessValidator enforces currency and amount policy.
type BusinessValidator struct {
	currencies map[string]struct{}
	minAmount  int64
	maxAmount  int64
}

// NewBusinessValidator constructs a business validator from configuration.
func NewBusinessValidator(cfg BusinessConfig) *BusinessValidator {
	currencies := make(map[string]struct{}, len(cfg.AllowedCurrencies))
	for _, c := range cfg.AllowedCurrencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &BusinessValidator{
		currencies: currencies,
		minAmount:  cfg.MinAmount,
		maxAmount:  cfg.MaxAmount,
	}
}

// Validate implements the Validator interface.
func (v *BusinessValidator) Validate(_ context.Context, req *models.PaymentRequest) *Error {
	currency := strings.ToUpper(req.Currency)
	if _, ok := v.currencies[currency]; !ok {
		return &Error{
			Layer:   LayerBusiness,
			Code:    "unsupported_currency",
			Message: fmt.Sprintf("currency %s is not supported", req.Currency),
			Details: map[string]string{"currency": req.Currency},
		}
	}

	if v.minAmount > 0 && req.Amount < v.minAmount {
		return &Error{
			Layer:   LayerBusiness,
			Code:    "amount_below_minimum",
			Message: fmt.Sprintf("amount %d is below the minimum of %d", req.Amount, v.minAmount),
		}
	}
	if v.maxAmount > 0 && req.Amount > v.maxAmount {
		return &Error{
			Layer:   LayerBusiness,
			Code:    "amount_above_maximum",
			Message: fmt.Sprintf("amount %d exceeds the maximum of %d", req.Amount, v.maxAmount),
		}
	}

	return nil
}

// RiskValidator checks the request against stored merchant configuration.
type RiskValidator struct {
	merchants store.MerchantRepository
}

// NewRiskValidator constructs a risk validator backed by the supplied
// merchant repository.
func NewRiskValidator(merchants store.MerchantRepository) *RiskValidator {
	return &RiskValidator{merchants: merchants}
}

// Validate implements the Validator interface.
func (v *RiskValidator) Validate(ctx context.Context, req *models.PaymentRequest) *Error {
	merchant, err := v.merchants.Get(ctx, req.MerchantID)
	if err != nil {
		return &Error{
			Layer:   LayerRisk,
			Code:    "unknown_merchant",
			Message: fmt.Sprintf("merchant %s is not registered", req.MerchantID),
			Details: map[string]string{"merchant_id": req.MerchantID},
		}
	}

	if !merchant.Active {
		return &Error{
			Layer:   LayerRisk,
			Code:    "merchant_inactive",
			Message: fmt.Sprintf("merchant %s is not active", req.MerchantID),
			Details: map[string]string{"merchant_id": req.MerchantID},
		}
	}

	if merchant.MaxAmount > 0 && req.Amount > merchant.MaxAmount {
		return &Error{
			Layer:   LayerRisk,
			Code:    "merchant_limit_exceeded",
			Message: fmt.Sprintf("amount %d exceeds merchant limit %d", req.Amount, merchant.MaxAmount),
			Details: map[string]string{"merchant_id": req.MerchantID},
		}
	}

	return nil
}
