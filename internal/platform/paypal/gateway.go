package paypal

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/types"
)

type Gateway struct {
	c   *client
	cfg config.PayPalConfig
	log *zap.SugaredLogger
}

func New(cfg *config.Config, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		c:   newClient(context.Background(), cfg.PayPal.BaseURL, cfg.PayPal.ClientID, cfg.PayPal.ClientSecret),
		cfg: cfg.PayPal,
		log: log,
	}
}

func (g *Gateway) Provider() types.PaymentProvider { return types.PaymentProviderPayPal }

type subscriber struct {
	EmailAddress string `json:"email_address,omitempty"`
}

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

// Subscription is the subset of a PayPal billing subscription we read.
type Subscription struct {
	ID          string      `json:"id"`
	PlanID      string      `json:"plan_id"`
	Status      string      `json:"status"`
	CustomID    string      `json:"custom_id"`
	StartTime   string      `json:"start_time"`
	Subscriber  *subscriber `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	Links []link `json:"links"`
}

func (g *Gateway) CreateSubscriptionCheckout(ctx context.Context, req *payment.SubscriptionCheckoutRequest) (*payment.CheckoutResult, error) {
	if req.ProviderPlanID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "plan has no paypal plan configured")
	}
	body := map[string]any{
		"plan_id":    req.ProviderPlanID,
		"custom_id":  req.SessionRef,
		"subscriber": subscriber{EmailAddress: req.Email},
		"application_context": applicationContext{
			BrandName:  g.cfg.BrandName,
			ReturnURL:  withProvider(req.SuccessURL),
			CancelURL:  req.CancelURL,
			UserAction: "SUBSCRIBE_NOW",
		},
	}
	var sub Subscription
	if err := g.c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &sub, map[string]string{
		requestIDHeader: "subscribe-" + req.SessionRef,
	}); err != nil {
		return nil, err
	}
	return &payment.CheckoutResult{ProviderSessionID: sub.ID, RedirectURL: approveLink(sub.Links)}, nil
}

// The subscription id doubles as the checkout session id for PayPal.
func (g *Gateway) GetSubscriptionCheckout(ctx context.Context, providerSessionID string) (*payment.SubscriptionState, error) {
	st, err := g.GetSubscription(ctx, providerSessionID)
	if err != nil {
		return nil, err
	}
	st.ProviderSessionID = providerSessionID
	return st, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, providerSubID string) (*payment.SubscriptionState, error) {
	var sub Subscription
	if err := g.c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(providerSubID), nil, &sub, nil); err != nil {
		return nil, err
	}
	return SubscriptionState(&sub), nil
}

// CancelSubscription cancels at PayPal right away, or suspends billing when
// the member keeps access until the period ends. A suspended subscription
// can be reactivated by ResumeSubscription.
func (g *Gateway) CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error {
	action := "cancel"
	if atPeriodEnd {
		action = "suspend"
	}
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubID) + "/" + action
	return g.c.do(ctx, http.MethodPost, path, map[string]string{"reason": "requested by member"}, nil, nil)
}

func (g *Gateway) ResumeSubscription(ctx context.Context, providerSubID string) error {
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubID) + "/activate"
	return g.c.do(ctx, http.MethodPost, path, map[string]string{"reason": "resumed by member"}, nil, nil)
}

// ChangeSubscriptionPlan revises the subscription. PayPal requires the buyer
// to approve a revision, so the result is always pending.
func (g *Gateway) ChangeSubscriptionPlan(ctx context.Context, providerSubID, providerPlanID string) (*payment.PlanChangeResult, error) {
	var out struct {
		PlanID string `json:"plan_id"`
		Links  []link `json:"links"`
	}
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubID) + "/revise"
	if err := g.c.do(ctx, http.MethodPost, path, map[string]string{"plan_id": providerPlanID}, &out, nil); err != nil {
		return nil, err
	}
	return &payment.PlanChangeResult{Pending: true, ApproveURL: approveLink(out.Links)}, nil
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

// Order is the subset of a PayPal checkout order we read.
type Order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		CustomID    string `json:"custom_id"`
		Amount      money  `json:"amount"`
		Payments    *struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []link `json:"links"`
}

func (o *Order) firstCapture() *capture {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[0]
		}
	}
	return nil
}

func (g *Gateway) CreateOrderCheckout(ctx context.Context, req *payment.OrderCheckoutRequest) (*payment.CheckoutResult, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.OrderID,
			"custom_id":    req.OrderID,
			"description":  req.Description,
			"amount":       money{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatAmount(req.AmountCents)},
		}},
		"application_context": applicationContext{
			BrandName:  g.cfg.BrandName,
			ReturnURL:  withProvider(req.SuccessURL),
			CancelURL:  req.CancelURL,
			UserAction: "PAY_NOW",
		},
	}
	var o Order
	if err := g.c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &o, map[string]string{
		requestIDHeader: "order-" + req.OrderID,
	}); err != nil {
		return nil, err
	}
	return &payment.CheckoutResult{ProviderSessionID: o.ID, RedirectURL: approveLink(o.Links)}, nil
}

func (g *Gateway) getOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	if err := g.c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), nil, &o, nil); err != nil {
		return nil, err
	}
	return &o, nil
}

// ConfirmOrderPayment captures an approved order. Capturing is keyed by a
// request id so a repeated confirmation does not double-capture.
func (g *Gateway) ConfirmOrderPayment(ctx context.Context, providerPaymentID string) (*payment.PaymentConfirmation, error) {
	o, err := g.getOrder(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}
	if o.Status == "APPROVED" {
		var captured Order
		path := "/v2/checkout/orders/" + url.PathEscape(providerPaymentID) + "/capture"
		if err := g.c.do(ctx, http.MethodPost, path, map[string]any{}, &captured, map[string]string{
			requestIDHeader: "capture-" + providerPaymentID,
		}); err != nil {
			return nil, err
		}
		o = &captured
	}
	return PaymentConfirmation(o)
}

func (g *Gateway) ResolveChargeReference(ctx context.Context, providerPaymentID string) (string, error) {
	o, err := g.getOrder(ctx, providerPaymentID)
	if err != nil {
		return "", err
	}
	c := o.firstCapture()
	if c == nil {
		return "", apperr.External(apperr.CodeProviderError, nil, "paypal order %s has no capture", providerPaymentID)
	}
	return c.ID, nil
}

func (g *Gateway) Refund(ctx context.Context, req *payment.RefundRequest) (*payment.RefundResult, error) {
	body := map[string]any{
		"amount": money{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatAmount(req.AmountCents)},
	}
	if req.Reason != "" {
		body["note_to_payer"] = req.Reason
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers[requestIDHeader] = req.IdempotencyKey
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := "/v2/payments/captures/" + url.PathEscape(req.ChargeRef) + "/refund"
	if err := g.c.do(ctx, http.MethodPost, path, body, &out, headers); err != nil {
		return nil, err
	}
	return &payment.RefundResult{ProviderRefundID: out.ID, Status: out.Status}, nil
}

// NormalizeStatus maps a PayPal subscription status onto the canonical
// provider vocabulary.
func NormalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "ACTIVE":
		return types.ProviderStatusActive
	case "SUSPENDED":
		return types.ProviderStatusSuspended
	case "CANCELLED":
		return types.ProviderStatusCancelled
	case "APPROVAL_PENDING", "APPROVED":
		return types.ProviderStatusPending
	default:
		return types.ProviderStatusExpired
	}
}

// SubscriptionState converts a PayPal subscription. The period starts at the
// last payment (or the subscription start) and ends at the next billing time.
func SubscriptionState(sub *Subscription) *payment.SubscriptionState {
	st := &payment.SubscriptionState{
		ProviderSubID:  sub.ID,
		ProviderPlanID: sub.PlanID,
		Status:         NormalizeStatus(sub.Status),
		PeriodStart:    parseTime(sub.StartTime),
	}
	st.Paid = st.Status == types.ProviderStatusActive
	if sub.Subscriber != nil {
		st.Email = sub.Subscriber.EmailAddress
	}
	if sub.BillingInfo != nil {
		st.PeriodEnd = parseTime(sub.BillingInfo.NextBillingTime)
		if sub.BillingInfo.LastPayment != nil {
			if t := parseTime(sub.BillingInfo.LastPayment.Time); !t.IsZero() {
				st.PeriodStart = t
			}
		}
	}
	return st
}

// PaymentConfirmation reads the paid state and the captured amount of o.
// An amount PayPal sent but that cannot be read is an invalid payload.
func PaymentConfirmation(o *Order) (*payment.PaymentConfirmation, error) {
	pc := &payment.PaymentConfirmation{ProviderPaymentID: o.ID, Paid: o.Status == "COMPLETED"}
	amount := func(m money) error {
		if m.Value == "" {
			return nil
		}
		cents, err := ParseAmount(m.Value)
		if err != nil {
			e := apperr.Validation(apperr.CodeInvalidPayload, "paypal order %s has an unreadable amount", o.ID)
			e.Err = err
			return e
		}
		pc.AmountCents, pc.Currency = cents, m.CurrencyCode
		return nil
	}
	if len(o.PurchaseUnits) > 0 {
		if err := amount(o.PurchaseUnits[0].Amount); err != nil {
			return nil, err
		}
	}
	if c := o.firstCapture(); c != nil {
		pc.ChargeRef = c.ID
		if err := amount(c.Amount); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}

func withProvider(u string) string {
	if u == "" || strings.Contains(u, "provider=") {
		return u
	}
	if strings.Contains(u, "?") {
		return u + "&provider=paypal"
	}
	return u + "?provider=paypal"
}
