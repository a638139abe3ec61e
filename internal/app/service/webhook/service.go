// Package webhook is the idempotency gate for provider deliveries. Every
// verified event is recorded once per (provider, event id) and its business
// effect commits in the same transaction that stamps it processed.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Outcomes reported to the caller and to metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeUnmatched = "unmatched"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
)

type Service struct {
	db         *gorm.DB
	parsers    map[types.PaymentProvider]Parser
	payments   *payment.Registry
	checkout   *checkout.Service
	membership *membership.Service
	orders     *order.Service
	log        *zap.SugaredLogger
	now        func() time.Time
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Parsers    []Parser `group:"webhook_parsers"`
	Payments   *payment.Registry
	Checkout   *checkout.Service
	Membership *membership.Service
	Orders     *order.Service
	Log        *zap.SugaredLogger
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		parsers:    lo.SliceToMap(p.Parsers, func(pr Parser) (types.PaymentProvider, Parser) { return pr.Provider(), pr }),
		payments:   p.Payments,
		checkout:   p.Checkout,
		membership: p.Membership,
		orders:     p.Orders,
		log:        p.Log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

// Handle verifies, records and applies one delivery.
//
// Bad signatures and malformed payloads are returned before anything is
// recorded. Business errors that a redelivery cannot fix are stamped on the
// event and the event is marked processed; provider or storage failures
// leave it unprocessed and are returned so the provider retries.
func (s *Service) Handle(ctx context.Context, provider types.PaymentProvider, payload []byte, header http.Header) (*Result, error) {
	start := time.Now()
	defer metrics.ObserveBusinessProcess("webhook", string(provider), start)
	log := logctx.FromCtx(ctx, s.log)

	parser, ok := s.parsers[provider]
	if !ok {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unsupported payment provider %q", provider)
	}
	env, err := parser.Parse(ctx, payload, header)
	if err != nil {
		metrics.IncWebhookEvent(string(provider), OutcomeRejected)
		log.Warnw("webhook_rejected", "provider", provider, "err", err)
		return nil, err
	}
	if err := env.Validate(); err != nil {
		metrics.IncWebhookEvent(string(provider), OutcomeRejected)
		return nil, err
	}
	log = log.With("provider", provider, "event_id", env.EventID, "event_type", env.Type)

	ev, err := s.record(ctx, env)
	if err != nil {
		return nil, err
	}
	res := &Result{EventID: env.EventID}
	if ev.ProcessedAt != nil {
		res.Duplicate, res.Outcome = true, OutcomeDuplicate
		metrics.IncWebhookEvent(string(provider), OutcomeDuplicate)
		log.Infow("webhook_duplicate")
		return res, nil
	}

	pre, err := s.prefetch(ctx, env)
	if err != nil {
		return s.fail(ctx, ev, res, err)
	}

	var after func(context.Context)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lockEvent(ctx, tx, ev.ID)
		if err != nil {
			return err
		}
		if locked.ProcessedAt != nil {
			res.Duplicate, res.Outcome = true, OutcomeDuplicate
			return nil
		}
		outcome, fn, err := s.dispatch(ctx, tx, env, pre)
		if err != nil {
			return err
		}
		res.Outcome, after = outcome, fn
		return tx.Model(&models.WebhookEvent{}).Where("id = ?", ev.ID).Updates(map[string]any{
			"processed_at": s.now(),
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   nil,
		}).Error
	})
	if err != nil {
		return s.fail(ctx, ev, res, err)
	}
	metrics.IncWebhookEvent(string(provider), res.Outcome)
	if res.Duplicate {
		log.Infow("webhook_duplicate")
		return res, nil
	}
	if after != nil {
		after(ctx)
	}
	log.Infow("webhook_processed", "outcome", res.Outcome, "kind", env.Kind)
	return res, nil
}

// record inserts the event row unless it exists and returns the stored row.
func (s *Service) record(ctx context.Context, env *Envelope) (*models.WebhookEvent, error) {
	row := &models.WebhookEvent{
		ID:       tool.GenerateUUIDV7(),
		Provider: env.Provider,
		EventID:  env.EventID,
		Type:     env.Type,
		Payload:  datatypes.JSON(env.Payload),
		TraceID:  logctx.TraceID(ctx),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	var ev models.WebhookEvent
	if err := s.db.WithContext(ctx).First(&ev, "provider = ? AND event_id = ?", env.Provider, env.EventID).Error; err != nil {
		return nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return &ev, nil
}

func (s *Service) lockEvent(ctx context.Context, tx *gorm.DB, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&ev, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock webhook event: %w", err)
	}
	return &ev, nil
}

// fetched holds provider state loaded before the transaction opens.
type fetched struct {
	subscription *payment.SubscriptionState
	// checkout is set when the event finalizes a local checkout session.
	checkout *payment.SubscriptionState
	payment  *payment.PaymentConfirmation
}

func (s *Service) prefetch(ctx context.Context, env *Envelope) (*fetched, error) {
	out := &fetched{subscription: env.Subscription}
	switch env.Kind {
	case KindSubscription:
		if env.Refetch || env.Subscription.Status == "" {
			gw, err := s.payments.Get(env.Provider)
			if err != nil {
				return nil, err
			}
			st, err := gw.GetSubscription(ctx, env.Subscription.ProviderSubID)
			if err != nil {
				return nil, err
			}
			out.subscription = st
		}
	case KindCheckoutCompleted:
		ok, err := s.checkout.HasSession(ctx, s.db, env.Provider, env.CheckoutSessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		gw, err := s.payments.Get(env.Provider)
		if err != nil {
			return nil, err
		}
		st, err := gw.GetSubscriptionCheckout(ctx, env.CheckoutSessionID)
		if err != nil {
			return nil, err
		}
		out.checkout = st
	case KindOrderPaid:
		gw, err := s.payments.Get(env.Provider)
		if err != nil {
			return nil, err
		}
		conf, err := gw.ConfirmOrderPayment(ctx, env.PaymentID)
		if err != nil {
			return nil, err
		}
		out.payment = conf
	}
	return out, nil
}

// dispatch applies the event inside tx and returns the post-commit effects.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, env *Envelope, pre *fetched) (string, func(context.Context), error) {
	switch env.Kind {
	case KindCheckoutCompleted:
		if pre.checkout != nil {
			f, err := s.checkout.FinalizeTx(ctx, tx, env.Provider, env.CheckoutSessionID, pre.checkout)
			if err != nil {
				return "", nil, err
			}
			return OutcomeProcessed, func(ctx context.Context) { s.checkout.AfterCommit(ctx, f) }, nil
		}
		// not one of our checkouts; reconcile it as a plain subscription update
		if pre.subscription == nil {
			return OutcomeIgnored, nil, nil
		}
		return s.applySubscription(ctx, tx, env, pre.subscription)
	case KindSubscription:
		return s.applySubscription(ctx, tx, env, pre.subscription)
	case KindOrderPaid:
		f, err := s.orders.FinalizeTx(ctx, tx, env.Provider, pre.payment)
		if err != nil {
			return "", nil, err
		}
		return OutcomeProcessed, func(ctx context.Context) { s.orders.AfterCommit(ctx, f) }, nil
	default:
		return OutcomeIgnored, nil, nil
	}
}

func (s *Service) applySubscription(ctx context.Context, tx *gorm.DB, env *Envelope, st *payment.SubscriptionState) (string, func(context.Context), error) {
	t, err := s.membership.ApplyProviderState(ctx, tx, env.Provider, st, env.EventID)
	if err != nil {
		return "", nil, err
	}
	outcome := OutcomeProcessed
	if t.Unmatched {
		outcome = OutcomeUnmatched
	}
	return outcome, func(ctx context.Context) { s.membership.Committed(ctx, t) }, nil
}

// fail stamps the error on the event. Errors a redelivery cannot fix also
// mark it processed and are answered as handled.
func (s *Service) fail(ctx context.Context, ev *models.WebhookEvent, res *Result, cause error) (*Result, error) {
	log := logctx.FromCtx(ctx, s.log).With("provider", ev.Provider, "event_id", ev.EventID)
	permanent := isPermanent(cause)
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lo.Substring(cause.Error(), 0, 2000),
	}
	if permanent {
		updates["processed_at"] = s.now()
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed_at IS NULL", ev.ID).
		Updates(updates).Error; err != nil {
		log.Errorw("failed to stamp webhook error", "err", err)
	}

	if permanent {
		metrics.IncWebhookEvent(string(ev.Provider), OutcomeFailed)
		log.Warnw("webhook_failed_permanently", "err", cause)
		res.Outcome = OutcomeFailed
		return res, nil
	}
	metrics.IncWebhookEvent(string(ev.Provider), OutcomeRetry)
	log.Errorw("webhook_failed_will_retry", "err", cause)
	return nil, cause
}

func isPermanent(err error) bool {
	var e *apperr.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code == apperr.CodeConcurrentUpdate {
		return false
	}
	switch e.Kind {
	case apperr.KindValidation, apperr.KindAuthorization, apperr.KindNotFound, apperr.KindConflict:
		return true
	}
	return false
}

var Module = fx.Options(
	fx.Provide(New),
)
