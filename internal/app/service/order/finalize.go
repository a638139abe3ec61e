package order

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Lock loads an order FOR UPDATE inside tx.
func Lock(ctx context.Context, tx *gorm.DB, orderID string) (*models.Order, error) {
	return lockWhere(ctx, tx, "id = ?", orderID)
}

func lockWhere(ctx context.Context, tx *gorm.DB, query string, args ...any) (*models.Order, error) {
	var o models.Order
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, args...).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order not found")
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

// Transition moves o to status `to` with a compare-and-swap on its current
// status. Only the forward moves of types.OrderStatus are accepted.
func Transition(ctx context.Context, tx *gorm.DB, o *models.Order, to types.OrderStatus, fields map[string]any) error {
	from := o.Status
	if !from.CanTransition(to) {
		return apperr.Conflict(apperr.CodeInvalidTransition, "order cannot move from %s to %s", from, to)
	}
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", o.ID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConcurrentUpdate
	}
	if err := tx.WithContext(ctx).First(o, "id = ?", o.ID).Error; err != nil {
		return fmt.Errorf("failed to reload order: %w", err)
	}
	metrics.IncOrderTransition(string(from), string(to))
	return nil
}

// Finalized is the outcome of finalizing a money order.
type Finalized struct {
	Order       *models.Order
	AlreadyPaid bool
	// Oversold is set when the order was paid but stock had run out.
	Oversold bool
}

// FinalizeMoneyOrder is the success-callback path: the provider payment is
// confirmed first, then the order is finalized. Repeating it is a no-op.
func (s *Service) FinalizeMoneyOrder(ctx context.Context, provider types.PaymentProvider, providerPaymentID string) (*Finalized, error) {
	if providerPaymentID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "payment id is required")
	}
	var o models.Order
	err := s.db.WithContext(ctx).First(&o, "provider = ? AND provider_payment_id = ?", provider, providerPaymentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order not found")
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.Status == types.OrderStatusPaid || o.Status == types.OrderStatusRefunded {
		return &Finalized{Order: &o, AlreadyPaid: true}, nil
	}
	if o.Status != types.OrderStatusCreated {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "order is %s", o.Status)
	}

	gw, err := s.payments.Get(provider)
	if err != nil {
		return nil, err
	}
	conf, err := gw.ConfirmOrderPayment(ctx, providerPaymentID)
	if err != nil {
		return nil, err
	}

	var out *Finalized
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.FinalizeTx(ctx, tx, provider, conf)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.AfterCommit(ctx, out)
	return out, nil
}

// FinalizeTx marks the order of a confirmed payment PAID inside tx. The
// order's own status is the single-writer guard.
func (s *Service) FinalizeTx(ctx context.Context, tx *gorm.DB, provider types.PaymentProvider, conf *payment.PaymentConfirmation) (*Finalized, error) {
	if conf == nil || conf.ProviderPaymentID == "" {
		return nil, apperr.Validation(apperr.CodeInvalidPayload, "payment confirmation missing")
	}
	o, err := lockWhere(ctx, tx, "provider = ? AND provider_payment_id = ?", provider, conf.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case types.OrderStatusPaid, types.OrderStatusRefunded:
		return &Finalized{Order: o, AlreadyPaid: true}, nil
	case types.OrderStatusCreated:
	default:
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "order is %s", o.Status)
	}
	if !conf.Paid {
		return nil, apperr.Conflict(apperr.CodeNotPaid, "payment is not completed")
	}
	if conf.AmountCents > 0 && conf.AmountCents != o.TotalCents {
		return nil, apperr.Validation(apperr.CodeInvalidPayload, "paid amount %d does not match order total %d", conf.AmountCents, o.TotalCents)
	}

	var items []models.OrderItem
	if err := tx.WithContext(ctx).Find(&items, "order_id = ?", o.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	if err := Transition(ctx, tx, o, types.OrderStatusPaid, map[string]any{"paid_at": s.now()}); err != nil {
		return nil, err
	}
	o.Items = items

	// money has moved; an exhausted stock is flagged, never a reason to reject
	oversold := false
	for _, it := range items {
		if err := decrementStock(ctx, tx, it.ProductID, it.Qty); err != nil {
			if !errors.Is(err, &apperr.Error{Code: apperr.CodeOutOfStock}) {
				return nil, err
			}
			oversold = true
		}
	}
	return &Finalized{Order: o, Oversold: oversold}, nil
}

// AfterCommit runs the best-effort side effects of a fresh finalize.
func (s *Service) AfterCommit(ctx context.Context, f *Finalized) {
	if f == nil || f.AlreadyPaid {
		return
	}
	s.audit.Record(ctx, &audit.Entry{
		Action:   audit.ActionOrderPaid,
		Entity:   "order",
		EntityID: f.Order.ID,
		Metadata: map[string]any{"total_cents": f.Order.TotalCents, "provider": f.Order.Provider},
	})
	if f.Oversold {
		logctx.FromCtx(ctx, s.log).Warnw("order paid after stock ran out", "order_id", f.Order.ID)
		s.audit.Record(ctx, &audit.Entry{Action: audit.ActionOrderOversold, Entity: "order", EntityID: f.Order.ID})
	}
	s.notifyPaid(ctx, f.Order)
}
