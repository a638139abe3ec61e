package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/fatflowers/memberledger/internal/platform/stripe"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

type StripeParser struct {
	secret string
}

func NewStripeParser(secret string) *StripeParser {
	return &StripeParser{secret: secret}
}

func (p *StripeParser) Provider() types.PaymentProvider { return types.PaymentProviderStripe }

func (p *StripeParser) Parse(_ context.Context, payload []byte, header http.Header) (*Envelope, error) {
	ev, err := stripe.VerifyEvent(payload, header.Get("Stripe-Signature"), p.secret)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Provider: types.PaymentProviderStripe,
		EventID:  ev.ID,
		Type:     string(ev.Type),
		Kind:     KindIgnored,
		Payload:  payload,
	}
	if ev.Data == nil {
		return env, nil
	}

	switch ev.Type {
	case stripeapi.EventTypeCheckoutSessionCompleted, stripeapi.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var s stripeapi.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, invalidPayload(err)
		}
		switch s.Mode {
		case stripeapi.CheckoutSessionModeSubscription:
			env.Kind = KindCheckoutCompleted
			env.CheckoutSessionID = s.ID
		case stripeapi.CheckoutSessionModePayment:
			env.Kind = KindOrderPaid
			env.PaymentID = s.ID
		}
	case stripeapi.EventTypeCustomerSubscriptionCreated,
		stripeapi.EventTypeCustomerSubscriptionUpdated,
		stripeapi.EventTypeCustomerSubscriptionDeleted,
		stripeapi.EventTypeCustomerSubscriptionPaused,
		stripeapi.EventTypeCustomerSubscriptionResumed:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, invalidPayload(err)
		}
		env.Kind = KindSubscription
		env.Subscription = stripe.SubscriptionState(&sub)
	}
	return env, nil
}

func invalidPayload(err error) error {
	e := apperr.Validation(apperr.CodeInvalidPayload, "malformed event payload")
	e.Err = err
	return e
}
