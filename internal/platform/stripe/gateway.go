// Package stripe implements payment.Gateway on top of stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

const (
	metadataSessionRef = "session_ref"
	metadataOrderID    = "order_id"
)

type Gateway struct {
	api *client.API
	cfg config.StripeConfig
	log *zap.SugaredLogger
}

// New builds the gateway. backends may be nil; tests pass stub backends.
func New(cfg *config.Config, log *zap.SugaredLogger, backends *stripeapi.Backends) *Gateway {
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, backends)
	return &Gateway{api: api, cfg: cfg.Stripe, log: log}
}

func (g *Gateway) Provider() types.PaymentProvider { return types.PaymentProviderStripe }

func (g *Gateway) CreateSubscriptionCheckout(ctx context.Context, req *payment.SubscriptionCheckoutRequest) (*payment.CheckoutResult, error) {
	if req.ProviderPlanID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan has no stripe price configured")
	}
	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		CustomerEmail:     stripeapi.String(req.Email),
		ClientReferenceID: stripeapi.String(req.SessionRef),
		SuccessURL:        stripeapi.String(withSessionPlaceholder(req.SuccessURL, "session_id")),
		CancelURL:         stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{Price: stripeapi.String(req.ProviderPlanID), Quantity: stripeapi.Int64(1)},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataSessionRef, req.SessionRef)

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapErr("create subscription checkout", err)
	}
	return &payment.CheckoutResult{ProviderSessionID: s.ID, RedirectURL: s.URL}, nil
}

func (g *Gateway) GetSubscriptionCheckout(ctx context.Context, providerSessionID string) (*payment.SubscriptionState, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	s, err := g.api.CheckoutSessions.Get(providerSessionID, params)
	if err != nil {
		return nil, wrapErr("get checkout session", err)
	}
	st := SubscriptionStateFromSession(s)
	if s.Subscription != nil && s.Subscription.Items == nil {
		// not expanded; fetch the subscription for its period boundaries
		sub, err := g.getSubscription(ctx, s.Subscription.ID)
		if err != nil {
			return nil, err
		}
		mergeSubscription(st, sub)
	}
	return st, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, providerSubID string) (*payment.SubscriptionState, error) {
	sub, err := g.getSubscription(ctx, providerSubID)
	if err != nil {
		return nil, err
	}
	st := &payment.SubscriptionState{}
	mergeSubscription(st, sub)
	st.Paid = st.Status == types.ProviderStatusActive
	return st, nil
}

func (g *Gateway) getSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, wrapErr("get subscription", err)
	}
	return sub, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(true)}
		params.Context = ctx
		_, err := g.api.Subscriptions.Update(providerSubID, params)
		return wrapErr("schedule subscription cancel", err)
	}
	params := &stripeapi.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := g.api.Subscriptions.Cancel(providerSubID, params)
	return wrapErr("cancel subscription", err)
}

func (g *Gateway) ResumeSubscription(ctx context.Context, providerSubID string) error {
	params := &stripeapi.SubscriptionParams{CancelAtPeriodEnd: stripeapi.Bool(false)}
	params.Context = ctx
	_, err := g.api.Subscriptions.Update(providerSubID, params)
	return wrapErr("resume subscription", err)
}

func (g *Gateway) ChangeSubscriptionPlan(ctx context.Context, providerSubID, providerPlanID string) (*payment.PlanChangeResult, error) {
	sub, err := g.getSubscription(ctx, providerSubID)
	if err != nil {
		return nil, err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, apperr.External(apperr.CodeProviderError, nil, "stripe subscription %s has no items", providerSubID)
	}
	params := &stripeapi.SubscriptionParams{
		Items: []*stripeapi.SubscriptionItemsParams{
			{ID: stripeapi.String(sub.Items.Data[0].ID), Price: stripeapi.String(providerPlanID)},
		},
		ProrationBehavior: stripeapi.String("create_prorations"),
	}
	params.Context = ctx
	updated, err := g.api.Subscriptions.Update(providerSubID, params)
	if err != nil {
		return nil, wrapErr("change subscription plan", err)
	}
	st := &payment.SubscriptionState{}
	mergeSubscription(st, updated)
	return &payment.PlanChangeResult{State: st}, nil
}

func (g *Gateway) CreateOrderCheckout(ctx context.Context, req *payment.OrderCheckoutRequest) (*payment.CheckoutResult, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		ClientReferenceID: stripeapi.String(req.OrderID),
		SuccessURL:        stripeapi.String(withSessionPlaceholder(req.SuccessURL, "payment_id")),
		CancelURL:         stripeapi.String(req.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripeapi.String(strings.ToLower(req.Currency)),
					UnitAmount: stripeapi.Int64(req.AmountCents),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(req.Description),
					},
				},
				Quantity: stripeapi.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, req.OrderID)

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapErr("create order checkout", err)
	}
	return &payment.CheckoutResult{ProviderSessionID: s.ID, RedirectURL: s.URL}, nil
}

func (g *Gateway) ConfirmOrderPayment(ctx context.Context, providerPaymentID string) (*payment.PaymentConfirmation, error) {
	s, err := g.getPaymentSession(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}
	return PaymentConfirmationFromSession(s), nil
}

// ResolveChargeReference turns a checkout session id into the underlying
// payment intent, which is what refunds are issued against.
func (g *Gateway) ResolveChargeReference(ctx context.Context, providerPaymentID string) (string, error) {
	if !strings.HasPrefix(providerPaymentID, "cs_") {
		return providerPaymentID, nil
	}
	s, err := g.getPaymentSession(ctx, providerPaymentID)
	if err != nil {
		return "", err
	}
	if s.PaymentIntent == nil || s.PaymentIntent.ID == "" {
		return "", apperr.External(apperr.CodeProviderError, nil, "checkout session %s has no payment intent", providerPaymentID)
	}
	return s.PaymentIntent.ID, nil
}

func (g *Gateway) getPaymentSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, wrapErr("get checkout session", err)
	}
	return s, nil
}

func (g *Gateway) Refund(ctx context.Context, req *payment.RefundRequest) (*payment.RefundResult, error) {
	params := &stripeapi.RefundParams{
		PaymentIntent: stripeapi.String(req.ChargeRef),
		Amount:        stripeapi.Int64(req.AmountCents),
		Reason:        stripeapi.String(string(stripeapi.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, wrapErr("refund", err)
	}
	return &payment.RefundResult{ProviderRefundID: r.ID, Status: string(r.Status)}, nil
}

// NormalizeStatus maps a stripe subscription status onto the canonical
// provider vocabulary.
func NormalizeStatus(s stripeapi.SubscriptionStatus) string {
	switch s {
	case stripeapi.SubscriptionStatusActive, stripeapi.SubscriptionStatusTrialing:
		return types.ProviderStatusActive
	case stripeapi.SubscriptionStatusPastDue, stripeapi.SubscriptionStatusUnpaid, stripeapi.SubscriptionStatusPaused:
		return types.ProviderStatusSuspended
	case stripeapi.SubscriptionStatusIncomplete:
		// first invoice not paid yet; nothing to reconcile
		return types.ProviderStatusPending
	case stripeapi.SubscriptionStatusCanceled:
		return types.ProviderStatusCancelled
	default:
		return types.ProviderStatusExpired
	}
}

// SubscriptionStateFromSession reads what a subscription-mode checkout
// session says about the buyer and subscription.
func SubscriptionStateFromSession(s *stripeapi.CheckoutSession) *payment.SubscriptionState {
	st := &payment.SubscriptionState{
		ProviderSessionID: s.ID,
		Email:             s.CustomerEmail,
		Paid: s.Status == stripeapi.CheckoutSessionStatusComplete &&
			s.PaymentStatus != stripeapi.CheckoutSessionPaymentStatusUnpaid,
	}
	if st.Email == "" && s.CustomerDetails != nil {
		st.Email = s.CustomerDetails.Email
	}
	if s.Subscription != nil {
		st.ProviderSubID = s.Subscription.ID
		if s.Subscription.Items != nil {
			mergeSubscription(st, s.Subscription)
		}
	}
	return st
}

// PaymentConfirmationFromSession reads a payment-mode checkout session.
func PaymentConfirmationFromSession(s *stripeapi.CheckoutSession) *payment.PaymentConfirmation {
	pc := &payment.PaymentConfirmation{
		ProviderPaymentID: s.ID,
		Paid:              s.PaymentStatus == stripeapi.CheckoutSessionPaymentStatusPaid,
		AmountCents:       s.AmountTotal,
		Currency:          strings.ToUpper(string(s.Currency)),
	}
	if s.PaymentIntent != nil {
		pc.ChargeRef = s.PaymentIntent.ID
	}
	return pc
}

// SubscriptionState converts a subscription object carried by webhooks.
func SubscriptionState(sub *stripeapi.Subscription) *payment.SubscriptionState {
	st := &payment.SubscriptionState{}
	mergeSubscription(st, sub)
	return st
}

func mergeSubscription(st *payment.SubscriptionState, sub *stripeapi.Subscription) {
	if sub == nil {
		return
	}
	st.ProviderSubID = sub.ID
	st.Status = NormalizeStatus(sub.Status)
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		st.PeriodStart = unixUTC(item.CurrentPeriodStart)
		st.PeriodEnd = unixUTC(item.CurrentPeriodEnd)
		if item.Price != nil {
			st.ProviderPlanID = item.Price.ID
		}
	}
}

func unixUTC(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// withSessionPlaceholder makes stripe append the session id to the success
// redirect under the given query parameter.
func withSessionPlaceholder(u, param string) string {
	if u == "" || strings.Contains(u, "{CHECKOUT_SESSION_ID}") {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "provider=stripe&" + param + "={CHECKOUT_SESSION_ID}"
}

// wrapErr classifies stripe errors: anything the API answered with a 4xx is
// a provider rejection, everything else means stripe was unreachable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripeapi.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
		return apperr.External(apperr.CodeProviderError, err, "stripe %s rejected: %s", op, se.Msg)
	}
	return apperr.External(apperr.CodeProviderUnavailable, fmt.Errorf("stripe %s: %w", op, err), "stripe %s failed", op)
}
