// Package paymenttest provides a scripted in-memory payment.Gateway.
package paymenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

type CancelCall struct {
	ProviderSubID string
	AtPeriodEnd   bool
}

type PlanChangeCall struct {
	ProviderSubID  string
	ProviderPlanID string
}

// Gateway records every call. Set the Fail* fields to make the matching call
// return an error, and Subscriptions / Payments to script provider state.
type Gateway struct {
	mu sync.Mutex

	ProviderName types.PaymentProvider

	// Subscriptions keyed by provider session id (checkout lookups) and by
	// provider subscription id (direct lookups).
	Subscriptions map[string]*payment.SubscriptionState
	Payments      map[string]*payment.PaymentConfirmation
	PlanChange    *payment.PlanChangeResult

	FailCheckout bool
	FailRefund   bool
	FailCancel   bool
	FailResume   bool
	FailConfirm  bool

	SubscriptionCheckouts []*payment.SubscriptionCheckoutRequest
	OrderCheckouts        []*payment.OrderCheckoutRequest
	Refunds               []*payment.RefundRequest
	Cancels               []CancelCall
	Resumes               []string
	PlanChanges           []PlanChangeCall

	seq int
}

func New(provider types.PaymentProvider) *Gateway {
	return &Gateway{
		ProviderName:  provider,
		Subscriptions: make(map[string]*payment.SubscriptionState),
		Payments:      make(map[string]*payment.PaymentConfirmation),
	}
}

func (g *Gateway) Provider() types.PaymentProvider { return g.ProviderName }

func (g *Gateway) fail(op string) error {
	return apperr.External(apperr.CodeProviderError, fmt.Errorf("%s failed", op), "%s %s failed", g.ProviderName, op)
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *Gateway) CreateSubscriptionCheckout(_ context.Context, req *payment.SubscriptionCheckoutRequest) (*payment.CheckoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SubscriptionCheckouts = append(g.SubscriptionCheckouts, req)
	if g.FailCheckout {
		return nil, g.fail("checkout")
	}
	id := g.nextID("cs")
	return &payment.CheckoutResult{ProviderSessionID: id, RedirectURL: "https://pay.example/" + id}, nil
}

func (g *Gateway) GetSubscriptionCheckout(_ context.Context, providerSessionID string) (*payment.SubscriptionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.Subscriptions[providerSessionID]
	if !ok {
		return nil, apperr.NotFound("checkout %s not found", providerSessionID)
	}
	cp := *st
	return &cp, nil
}

func (g *Gateway) GetSubscription(ctx context.Context, providerSubID string) (*payment.SubscriptionState, error) {
	return g.GetSubscriptionCheckout(ctx, providerSubID)
}

func (g *Gateway) CancelSubscription(_ context.Context, providerSubID string, atPeriodEnd bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cancels = append(g.Cancels, CancelCall{ProviderSubID: providerSubID, AtPeriodEnd: atPeriodEnd})
	if g.FailCancel {
		return g.fail("cancel")
	}
	return nil
}

func (g *Gateway) ResumeSubscription(_ context.Context, providerSubID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Resumes = append(g.Resumes, providerSubID)
	if g.FailResume {
		return g.fail("resume")
	}
	return nil
}

func (g *Gateway) ChangeSubscriptionPlan(_ context.Context, providerSubID, providerPlanID string) (*payment.PlanChangeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PlanChanges = append(g.PlanChanges, PlanChangeCall{ProviderSubID: providerSubID, ProviderPlanID: providerPlanID})
	if g.PlanChange != nil {
		return g.PlanChange, nil
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &payment.PlanChangeResult{State: &payment.SubscriptionState{
		ProviderSubID:  providerSubID,
		ProviderPlanID: providerPlanID,
		Status:         types.ProviderStatusActive,
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 0, 28),
	}}, nil
}

func (g *Gateway) CreateOrderCheckout(_ context.Context, req *payment.OrderCheckoutRequest) (*payment.CheckoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.OrderCheckouts = append(g.OrderCheckouts, req)
	if g.FailCheckout {
		return nil, g.fail("checkout")
	}
	id := g.nextID("pay")
	g.Payments[id] = &payment.PaymentConfirmation{
		ProviderPaymentID: id,
		Paid:              true,
		AmountCents:       req.AmountCents,
		Currency:          req.Currency,
		ChargeRef:         "ch_" + id,
	}
	return &payment.CheckoutResult{ProviderSessionID: id, RedirectURL: "https://pay.example/" + id}, nil
}

func (g *Gateway) ConfirmOrderPayment(_ context.Context, providerPaymentID string) (*payment.PaymentConfirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailConfirm {
		return nil, g.fail("confirm")
	}
	p, ok := g.Payments[providerPaymentID]
	if !ok {
		return nil, apperr.NotFound("payment %s not found", providerPaymentID)
	}
	cp := *p
	return &cp, nil
}

func (g *Gateway) ResolveChargeReference(_ context.Context, providerPaymentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.Payments[providerPaymentID]; ok && p.ChargeRef != "" {
		return p.ChargeRef, nil
	}
	return providerPaymentID, nil
}

func (g *Gateway) Refund(_ context.Context, req *payment.RefundRequest) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Refunds = append(g.Refunds, req)
	if g.FailRefund {
		return nil, g.fail("refund")
	}
	return &payment.RefundResult{ProviderRefundID: g.nextID("re"), Status: "succeeded"}, nil
}

// SetPayment registers a provider payment the order flow can confirm.
func (g *Gateway) SetPayment(p *payment.PaymentConfirmation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Payments[p.ProviderPaymentID] = p
}

// SetSubscription registers provider state under each of the given keys.
func (g *Gateway) SetSubscription(st *payment.SubscriptionState, keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		g.Subscriptions[k] = st
	}
}

func (g *Gateway) RefundCalls() []*payment.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*payment.RefundRequest(nil), g.Refunds...)
}
