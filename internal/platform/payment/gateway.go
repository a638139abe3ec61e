// Package payment abstracts the payment processors behind one Gateway
// contract so orchestrators never talk to a provider SDK directly.
package payment

import (
	"context"
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

type SubscriptionCheckoutRequest struct {
	// SessionRef is the local reference echoed back by the provider.
	SessionRef     string
	Email          string
	ProviderPlanID string
	PlanName       string
	PriceCents     int64
	Currency       string
	SuccessURL     string
	CancelURL      string
}

type OrderCheckoutRequest struct {
	OrderID     string
	Description string
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
}

type CheckoutResult struct {
	ProviderSessionID string
	RedirectURL       string
}

// SubscriptionState is the provider's view of a subscription. Status is
// already normalized to the canonical vocabulary (types.ProviderStatus*).
type SubscriptionState struct {
	ProviderSessionID string
	ProviderSubID     string `validate:"required,max=255"`
	ProviderPlanID    string
	Email             string
	Status            string `validate:"omitempty,oneof=active paid suspended cancelled expired pending"`
	// Paid reports whether the initial checkout was paid/approved.
	Paid        bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type PaymentConfirmation struct {
	ProviderPaymentID string
	Paid              bool
	AmountCents       int64
	Currency          string
	// ChargeRef is the refundable reference (payment intent, capture id).
	ChargeRef string
}

type RefundRequest struct {
	ChargeRef      string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	ProviderRefundID string
	Status           string
}

type PlanChangeResult struct {
	// Pending is set when the buyer must approve the change at ApproveURL;
	// the local plan then changes on the later webhook.
	Pending    bool
	ApproveURL string
	State      *SubscriptionState
}

// Gateway is implemented once per provider.
type Gateway interface {
	Provider() types.PaymentProvider

	CreateSubscriptionCheckout(ctx context.Context, req *SubscriptionCheckoutRequest) (*CheckoutResult, error)
	GetSubscriptionCheckout(ctx context.Context, providerSessionID string) (*SubscriptionState, error)
	GetSubscription(ctx context.Context, providerSubID string) (*SubscriptionState, error)
	CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error
	ResumeSubscription(ctx context.Context, providerSubID string) error
	ChangeSubscriptionPlan(ctx context.Context, providerSubID, providerPlanID string) (*PlanChangeResult, error)

	CreateOrderCheckout(ctx context.Context, req *OrderCheckoutRequest) (*CheckoutResult, error)
	ConfirmOrderPayment(ctx context.Context, providerPaymentID string) (*PaymentConfirmation, error)
	ResolveChargeReference(ctx context.Context, providerPaymentID string) (string, error)
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}
