package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

type Kind string

const (
	KindSubscription      Kind = "subscription"
	KindCheckoutCompleted Kind = "checkout_completed"
	KindOrderPaid         Kind = "order_paid"
	KindIgnored           Kind = "ignored"
)

// Envelope is a verified provider delivery reduced to what the ledger acts on.
type Envelope struct {
	Provider types.PaymentProvider `validate:"required,oneof=stripe paypal"`
	EventID  string                `validate:"required,max=255"`
	Type     string                `validate:"required,max=128"`
	Kind     Kind                  `validate:"required,oneof=subscription checkout_completed order_paid ignored"`

	// Subscription carries the provider state for KindSubscription, and for
	// KindCheckoutCompleted when the payload has it.
	Subscription *payment.SubscriptionState `validate:"required_if=Kind subscription,omitempty"`
	// Refetch asks for the subscription to be loaded from the provider
	// because the payload only names it.
	Refetch bool

	CheckoutSessionID string `validate:"required_if=Kind checkout_completed,max=255"`
	PaymentID         string `validate:"required_if=Kind order_paid,max=255"`

	Payload []byte `validate:"required"`
}

// Parser verifies the signature of a raw delivery and decodes it. A failed
// verification must return apperr.ErrInvalidSignature before anything is read.
type Parser interface {
	Provider() types.PaymentProvider
	Parse(ctx context.Context, payload []byte, header http.Header) (*Envelope, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Validation(apperr.CodeInvalidPayload, "invalid %s event: %s failed on %s", e.Provider, verrs[0].Namespace(), verrs[0].Tag())
		}
		return apperr.Validation(apperr.CodeInvalidPayload, "invalid %s event: %v", e.Provider, err)
	}
	return nil
}
