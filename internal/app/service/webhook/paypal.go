package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/paypal"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Verifier checks a PayPal delivery signature. *paypal.Gateway implements it.
type Verifier interface {
	VerifyWebhook(ctx context.Context, t paypal.Transmission, payload []byte) error
}

type PayPalParser struct {
	verifier Verifier
}

func NewPayPalParser(v Verifier) *PayPalParser {
	return &PayPalParser{verifier: v}
}

func (p *PayPalParser) Provider() types.PaymentProvider { return types.PaymentProviderPayPal }

type paypalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalSale struct {
	BillingAgreementID string `json:"billing_agreement_id"`
}

type paypalCapture struct {
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (p *PayPalParser) Parse(ctx context.Context, payload []byte, header http.Header) (*Envelope, error) {
	if err := p.verifier.VerifyWebhook(ctx, paypal.TransmissionFromHeader(header), payload); err != nil {
		return nil, err
	}
	var ev paypalEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, invalidPayload(err)
	}
	env := &Envelope{
		Provider: types.PaymentProviderPayPal,
		EventID:  ev.ID,
		Type:     ev.EventType,
		Kind:     KindIgnored,
		Payload:  payload,
	}

	switch ev.EventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		// the subscription id doubles as the checkout session id
		sub, err := decodeSubscription(ev.Resource)
		if err != nil {
			return nil, err
		}
		env.Kind = KindCheckoutCompleted
		env.CheckoutSessionID = sub.ProviderSubID
		env.Subscription = sub
	case "BILLING.SUBSCRIPTION.UPDATED",
		"BILLING.SUBSCRIPTION.RE-ACTIVATED",
		"BILLING.SUBSCRIPTION.SUSPENDED",
		"BILLING.SUBSCRIPTION.CANCELLED",
		"BILLING.SUBSCRIPTION.EXPIRED",
		"BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		sub, err := decodeSubscription(ev.Resource)
		if err != nil {
			return nil, err
		}
		env.Kind = KindSubscription
		env.Subscription = sub
	case "PAYMENT.SALE.COMPLETED":
		// a recurring charge; the sale only names the subscription
		var sale paypalSale
		if err := json.Unmarshal(ev.Resource, &sale); err != nil {
			return nil, invalidPayload(err)
		}
		if sale.BillingAgreementID != "" {
			env.Kind = KindSubscription
			env.Subscription = &payment.SubscriptionState{ProviderSubID: sale.BillingAgreementID}
			env.Refetch = true
		}
	case "CHECKOUT.ORDER.APPROVED", "CHECKOUT.ORDER.COMPLETED":
		var o paypal.Order
		if err := json.Unmarshal(ev.Resource, &o); err != nil {
			return nil, invalidPayload(err)
		}
		env.Kind = KindOrderPaid
		env.PaymentID = o.ID
	case "PAYMENT.CAPTURE.COMPLETED":
		var c paypalCapture
		if err := json.Unmarshal(ev.Resource, &c); err != nil {
			return nil, invalidPayload(err)
		}
		if id := c.SupplementaryData.RelatedIDs.OrderID; id != "" {
			env.Kind = KindOrderPaid
			env.PaymentID = id
		}
	}
	return env, nil
}

func decodeSubscription(raw json.RawMessage) (*payment.SubscriptionState, error) {
	var sub paypal.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, invalidPayload(err)
	}
	return paypal.SubscriptionState(&sub), nil
}
