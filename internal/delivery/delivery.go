package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/payment-admission/internal/models"
)

// Deliverer is the abstract delivery capability consumed by the dispatcher
// and the retry queue. The transport behind it (Kafka, webhook, email) is
// irrelevant to the admission core.
type Deliverer interface {
	Deliver(ctx context.Context, event models.Event) error
}

// DelivererFunc adapts a plain function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, event models.Event) error

// Deliver invokes the wrapped function.
func (f DelivererFunc) Deliver(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// ErrTransient and ErrPermanent are sentinel errors deliverers use when
// classifying failures.
var (
	ErrTransient = errors.New("transient delivery error")
	ErrPermanent = errors.New("permanent delivery error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}
