package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/types"
)

// BreakerGateway guards a Gateway with a circuit breaker and records call
// latency. Only transport-level failures trip the breaker; a provider
// rejecting a request is a healthy answer.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker[any]
	log     *zap.SugaredLogger
}

func NewBreakerGateway(next Gateway, cfg config.BreakerConfig, log *zap.SugaredLogger) *BreakerGateway {
	name := string(next.Provider())
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, apperr.ErrProviderUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, int(to))
			log.Warnw("payment circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		log:     log,
	}
}

func (b *BreakerGateway) Provider() types.PaymentProvider { return b.next.Provider() }

// State exposes the breaker state, mainly for tests and health output.
func (b *BreakerGateway) State() gobreaker.State { return b.breaker.State() }

func (b *BreakerGateway) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := b.breaker.Execute(fn)
	metrics.ObserveProviderCall(string(b.next.Provider()), op, start, err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.External(apperr.CodeProviderUnavailable, err, "%s is temporarily unavailable", b.next.Provider())
	}
	return res, err
}

func (b *BreakerGateway) CreateSubscriptionCheckout(ctx context.Context, req *SubscriptionCheckoutRequest) (*CheckoutResult, error) {
	res, err := b.execute("create_subscription_checkout", func() (any, error) {
		return b.next.CreateSubscriptionCheckout(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*CheckoutResult), nil
}

func (b *BreakerGateway) GetSubscriptionCheckout(ctx context.Context, providerSessionID string) (*SubscriptionState, error) {
	res, err := b.execute("get_subscription_checkout", func() (any, error) {
		return b.next.GetSubscriptionCheckout(ctx, providerSessionID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*SubscriptionState), nil
}

func (b *BreakerGateway) GetSubscription(ctx context.Context, providerSubID string) (*SubscriptionState, error) {
	res, err := b.execute("get_subscription", func() (any, error) {
		return b.next.GetSubscription(ctx, providerSubID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*SubscriptionState), nil
}

func (b *BreakerGateway) CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error {
	_, err := b.execute("cancel_subscription", func() (any, error) {
		return nil, b.next.CancelSubscription(ctx, providerSubID, atPeriodEnd)
	})
	return err
}

func (b *BreakerGateway) ResumeSubscription(ctx context.Context, providerSubID string) error {
	_, err := b.execute("resume_subscription", func() (any, error) {
		return nil, b.next.ResumeSubscription(ctx, providerSubID)
	})
	return err
}

func (b *BreakerGateway) ChangeSubscriptionPlan(ctx context.Context, providerSubID, providerPlanID string) (*PlanChangeResult, error) {
	res, err := b.execute("change_subscription_plan", func() (any, error) {
		return b.next.ChangeSubscriptionPlan(ctx, providerSubID, providerPlanID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*PlanChangeResult), nil
}

func (b *BreakerGateway) CreateOrderCheckout(ctx context.Context, req *OrderCheckoutRequest) (*CheckoutResult, error) {
	res, err := b.execute("create_order_checkout", func() (any, error) {
		return b.next.CreateOrderCheckout(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*CheckoutResult), nil
}

func (b *BreakerGateway) ConfirmOrderPayment(ctx context.Context, providerPaymentID string) (*PaymentConfirmation, error) {
	res, err := b.execute("confirm_order_payment", func() (any, error) {
		return b.next.ConfirmOrderPayment(ctx, providerPaymentID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*PaymentConfirmation), nil
}

func (b *BreakerGateway) ResolveChargeReference(ctx context.Context, providerPaymentID string) (string, error) {
	res, err := b.execute("resolve_charge_reference", func() (any, error) {
		return b.next.ResolveChargeReference(ctx, providerPaymentID)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerGateway) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	res, err := b.execute("refund", func() (any, error) {
		return b.next.Refund(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*RefundResult), nil
}
