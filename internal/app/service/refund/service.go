// Package refund reverses paid orders. Cash goes back through the provider,
// points go back to the ledger.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

type Service struct {
	db       *gorm.DB
	points   *points.Service
	payments *payment.Registry
	notifier notify.Notifier
	audit    audit.Sink
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(db *gorm.DB, pts *points.Service, payments *payment.Registry, notifier notify.Notifier, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{
		db:       db,
		points:   pts,
		payments: payments,
		notifier: notifier,
		audit:    sink,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Input struct {
	OrderID string `json:"order_id" binding:"required"`
	Reason  string `json:"reason" binding:"max=255"`
}

type Result struct {
	Order            *models.Order `json:"order"`
	CashCents        int64         `json:"cash_cents"`
	PointsRestored   int64         `json:"points_restored"`
	ProviderRefundID string        `json:"provider_refund_id,omitempty"`
}

// Refund reverses a PAID order. The provider refund runs before the local
// transaction; when it fails nothing local changes. A retried refund reuses
// the same provider idempotency key so the money moves at most once.
func (s *Service) Refund(ctx context.Context, actorID string, in *Input) (*Result, error) {
	start := time.Now()
	defer metrics.ObserveBusinessProcess("refund", "order", start)

	var o models.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", in.OrderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order %s not found", in.OrderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.Status != types.OrderStatusPaid {
		return nil, apperr.Conflict(apperr.CodeRefundNotAllowed, "order is %s, only PAID orders can be refunded", o.Status)
	}

	res := &Result{CashCents: o.RefundCashCents()}
	if res.CashCents > 0 {
		refundID, err := s.refundCash(ctx, &o, res.CashCents, in.Reason)
		if err != nil {
			return nil, err
		}
		res.ProviderRefundID = refundID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := order.Lock(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.OrderStatusPaid {
			return apperr.Conflict(apperr.CodeRefundNotAllowed, "order is %s, only PAID orders can be refunded", locked.Status)
		}
		fields := map[string]any{"refunded_at": s.now()}
		if in.Reason != "" {
			fields["refund_reason"] = in.Reason
		}
		if res.ProviderRefundID != "" {
			fields["provider_refund_id"] = res.ProviderRefundID
		}
		if err := order.Transition(ctx, tx, locked, types.OrderStatusRefunded, fields); err != nil {
			return err
		}
		if locked.PointsSpent > 0 {
			restored, err := s.points.RefundSpend(ctx, tx, locked.UserID, types.RefTypeOrder, locked.ID)
			if err != nil {
				return err
			}
			res.PointsRestored = restored
		}
		res.Order = locked
		return nil
	})
	if err != nil {
		if res.ProviderRefundID != "" {
			// the money moved but the order did not; the admin retry reuses the key
			logctx.FromCtx(ctx, s.log).Errorw("refund_local_update_failed", "order_id", o.ID, "provider_refund_id", res.ProviderRefundID, "err", err)
		}
		return nil, err
	}

	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: actorID,
		Action:      audit.ActionOrderRefunded,
		Entity:      "order",
		EntityID:    o.ID,
		Metadata: map[string]any{
			"cash_cents":         res.CashCents,
			"points_restored":    res.PointsRestored,
			"provider_refund_id": res.ProviderRefundID,
			"reason":             in.Reason,
		},
	})
	logctx.FromCtx(ctx, s.log).Infow("order_refunded", "order_id", o.ID, "cash_cents", res.CashCents, "points", res.PointsRestored)

	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", o.UserID).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("skip refund notice, user not loaded", "order_id", o.ID, "err", err)
	} else {
		s.notifier.OrderRefunded(ctx, &u, res.Order, res.CashCents)
	}
	return res, nil
}

func (s *Service) refundCash(ctx context.Context, o *models.Order, cents int64, reason string) (string, error) {
	if o.ProviderPaymentID == nil || *o.ProviderPaymentID == "" {
		return "", apperr.Conflict(apperr.CodeRefundNotAllowed, "order has no provider payment to refund")
	}
	gw, err := s.payments.Get(o.Provider)
	if err != nil {
		return "", err
	}
	chargeRef, err := gw.ResolveChargeReference(ctx, *o.ProviderPaymentID)
	if err != nil {
		return "", err
	}
	out, err := gw.Refund(ctx, &payment.RefundRequest{
		ChargeRef:      chargeRef,
		AmountCents:    cents,
		Currency:       o.Currency,
		Reason:         reason,
		IdempotencyKey: tool.IdempotencyKey("refund", o.ID),
	})
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("provider refund failed, order untouched", "order_id", o.ID, "err", err)
		return "", err
	}
	return out.ProviderRefundID, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
