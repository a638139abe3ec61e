package stripe

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

func TestNormalizeStatus(t *testing.T) {
	require.Equal(t, types.ProviderStatusActive, NormalizeStatus(stripeapi.SubscriptionStatusActive))
	require.Equal(t, types.ProviderStatusActive, NormalizeStatus(stripeapi.SubscriptionStatusTrialing))
	require.Equal(t, types.ProviderStatusSuspended, NormalizeStatus(stripeapi.SubscriptionStatusPastDue))
	require.Equal(t, types.ProviderStatusSuspended, NormalizeStatus(stripeapi.SubscriptionStatusUnpaid))
	require.Equal(t, types.ProviderStatusCancelled, NormalizeStatus(stripeapi.SubscriptionStatusCanceled))
	require.Equal(t, types.ProviderStatusExpired, NormalizeStatus(stripeapi.SubscriptionStatusIncompleteExpired))
	require.Equal(t, types.ProviderStatusPending, NormalizeStatus(stripeapi.SubscriptionStatusIncomplete))
}

func TestSubscriptionState_ReadsItemPeriod(t *testing.T) {
	raw := []byte(`{
		"id": "sub_1",
		"object": "subscription",
		"status": "active",
		"items": {"object": "list", "data": [{
			"id": "si_1",
			"current_period_start": 1767225600,
			"current_period_end": 1769644800,
			"price": {"id": "price_tutela"}
		}]}
	}`)
	var sub stripeapi.Subscription
	require.NoError(t, json.Unmarshal(raw, &sub))

	st := SubscriptionState(&sub)
	require.Equal(t, "sub_1", st.ProviderSubID)
	require.Equal(t, types.ProviderStatusActive, st.Status)
	require.Equal(t, "price_tutela", st.ProviderPlanID)
	require.Equal(t, time.Unix(1769644800, 0).UTC(), st.PeriodEnd)
}

func TestPaymentConfirmationFromSession(t *testing.T) {
	raw := []byte(`{
		"id": "cs_123",
		"object": "checkout.session",
		"mode": "payment",
		"payment_status": "paid",
		"amount_total": 2500,
		"currency": "eur",
		"payment_intent": "pi_123"
	}`)
	var s stripeapi.CheckoutSession
	require.NoError(t, json.Unmarshal(raw, &s))

	pc := PaymentConfirmationFromSession(&s)
	require.True(t, pc.Paid)
	require.Equal(t, int64(2500), pc.AmountCents)
	require.Equal(t, "EUR", pc.Currency)
	require.Equal(t, "pi_123", pc.ChargeRef)
}

func TestVerifyEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","api_version":"2025-03-31.basil","data":{"object":{"id":"sub_1","object":"subscription"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	ev, err := VerifyEvent(payload, signed.Header, "whsec_test")
	require.NoError(t, err)
	require.Equal(t, "evt_1", ev.ID)

	_, err = VerifyEvent(payload, signed.Header, "whsec_other")
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = VerifyEvent(payload, "", "whsec_test")
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestWrapErr_Classification(t *testing.T) {
	require.NoError(t, wrapErr("refund", nil))

	rejected := wrapErr("refund", &stripeapi.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "charge already refunded"})
	require.ErrorIs(t, rejected, apperr.ErrProviderError)

	down := wrapErr("refund", errors.New("connection reset"))
	require.ErrorIs(t, down, apperr.ErrProviderUnavailable)
}

func TestWithSessionPlaceholder(t *testing.T) {
	require.Equal(t, "https://x/success?provider=stripe&session_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://x/success", "session_id"))
	require.Equal(t, "https://x/s?a=1&provider=stripe&payment_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://x/s?a=1", "payment_id"))
}
