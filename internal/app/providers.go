package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/webhook"
	"github.com/fatflowers/memberledger/internal/platform/mailer"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/internal/platform/paypal"
	"github.com/fatflowers/memberledger/internal/platform/stripe"
	"github.com/fatflowers/memberledger/pkg/config"
)

func newStripeGateway(cfg *config.Config, log *zap.SugaredLogger) *stripe.Gateway {
	return stripe.New(cfg, log, nil)
}

// newPaymentRegistry puts each provider behind its own circuit breaker.
func newPaymentRegistry(cfg *config.Config, log *zap.SugaredLogger, sg *stripe.Gateway, pg *paypal.Gateway) *payment.Registry {
	return payment.NewRegistry(
		payment.NewBreakerGateway(sg, cfg.Breaker, log),
		payment.NewBreakerGateway(pg, cfg.Breaker, log),
	)
}

func newStripeParser(cfg *config.Config) webhook.Parser {
	return webhook.NewStripeParser(cfg.Stripe.WebhookSecret)
}

func newPayPalParser(pg *paypal.Gateway) webhook.Parser {
	return webhook.NewPayPalParser(pg)
}

var Providers = fx.Options(
	fx.Provide(
		mailer.New,
		newStripeGateway,
		paypal.New,
		newPaymentRegistry,
		fx.Annotate(newStripeParser, fx.ResultTags(`group:"webhook_parsers"`)),
		fx.Annotate(newPayPalParser, fx.ResultTags(`group:"webhook_parsers"`)),
	),
)

// syncPlansOnStart upserts the configured plans before the server accepts traffic.
func syncPlansOnStart(lc fx.Lifecycle, cat *catalog.Service, log *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := cat.SyncPlans(ctx); err != nil {
				log.Errorw("membership plan sync failed", "error", err)
				return err
			}
			return nil
		},
	})
}
