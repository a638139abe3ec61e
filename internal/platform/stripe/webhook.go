package stripe

import (
	"strings"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fatflowers/memberledger/pkg/apperr"
)

// VerifyEvent checks the Stripe-Signature header against the endpoint secret
// and decodes the event. Any failure is an invalid signature.
func VerifyEvent(payload []byte, sigHeader, secret string) (*stripeapi.Event, error) {
	if strings.TrimSpace(sigHeader) == "" || secret == "" {
		return nil, apperr.Validation(apperr.CodeInvalidSignature, "invalid stripe signature")
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		e := apperr.Validation(apperr.CodeInvalidSignature, "invalid stripe signature")
		e.Err = err
		return nil, e
	}
	return &event, nil
}
