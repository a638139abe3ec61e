// Package order creates and finalizes marketplace orders. Money orders go
// through a provider checkout; points orders are paid in one transaction
// together with the ledger debit.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/internal/platform/payment"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/metrics"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

const maxQty = 100

type Service struct {
	cfg        *config.Config
	db         *gorm.DB
	catalog    *catalog.Service
	membership *membership.Service
	points     *points.Service
	payments   *payment.Registry
	notifier   notify.Notifier
	audit      audit.Sink
	log        *zap.SugaredLogger
	now        func() time.Time
}

func New(cfg *config.Config, db *gorm.DB, cat *catalog.Service, ms *membership.Service, pts *points.Service, payments *payment.Registry, notifier notify.Notifier, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:        cfg,
		db:         db,
		catalog:    cat,
		membership: ms,
		points:     pts,
		payments:   payments,
		notifier:   notifier,
		audit:      sink,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	ProductID string                `json:"product_id" binding:"required"`
	Qty       int64                 `json:"qty" binding:"required,gt=0,lte=100"`
	Provider  types.PaymentProvider `json:"provider" binding:"required,oneof=stripe paypal"`
}

type Created struct {
	Order       *models.Order `json:"order"`
	RedirectURL string        `json:"redirect_url"`
}

// checkProduct applies the purchase rules shared by both payment paths.
func (s *Service) checkProduct(ctx context.Context, tx *gorm.DB, userID string, p *models.Product, qty int64) error {
	if qty <= 0 || qty > maxQty {
		return apperr.Validation(apperr.CodeInvalidInput, "qty must be between 1 and %d", maxQty)
	}
	if !p.Purchasable() {
		return apperr.Conflict(apperr.CodeProductUnavailable, "product is not available")
	}
	if p.Stock < qty {
		return apperr.Conflict(apperr.CodeOutOfStock, "only %d left in stock", p.Stock)
	}
	if p.PremiumOnly {
		plan, err := s.membership.ActivePlan(ctx, tx, userID)
		if err != nil {
			return err
		}
		if plan == nil || !plan.Premium {
			return apperr.Forbidden(apperr.CodePremiumRequired, "product requires a premium membership")
		}
	}
	return nil
}

// CreateMoneyOrder stores a CREATED order and then opens the provider
// checkout. If the provider call fails the order stays CREATED without a
// provider payment id; it is never retried silently.
func (s *Service) CreateMoneyOrder(ctx context.Context, userID string, in *CreateInput) (*Created, error) {
	gw, err := s.payments.Get(in.Provider)
	if err != nil {
		return nil, err
	}
	var o *models.Order
	var p *models.Product
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		p, err = s.catalog.Product(ctx, tx, in.ProductID, false)
		if err != nil {
			return err
		}
		if err := s.checkProduct(ctx, tx, userID, p, in.Qty); err != nil {
			return err
		}
		o = &models.Order{
			ID:         tool.GenerateUUIDV7(),
			UserID:     userID,
			Status:     types.OrderStatusCreated,
			TotalCents: p.PriceCents * in.Qty,
			Currency:   p.Currency,
			PaidWith:   types.PaidWithMoney,
			Provider:   in.Provider,
		}
		o.Items = []models.OrderItem{{
			ID:             tool.GenerateUUIDV7(),
			OrderID:        o.ID,
			ProductID:      p.ID,
			Qty:            in.Qty,
			UnitPriceCents: p.PriceCents,
			UnitPoints:     p.PointsPrice,
		}}
		if err := tx.Create(o).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncOrderTransition("", string(types.OrderStatusCreated))
	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: userID,
		Action:      audit.ActionOrderCreated,
		Entity:      "order",
		EntityID:    o.ID,
		Metadata:    map[string]any{"product_id": p.ID, "qty": in.Qty, "total_cents": o.TotalCents, "provider": in.Provider},
	})

	res, err := gw.CreateOrderCheckout(ctx, &payment.OrderCheckoutRequest{
		OrderID:     o.ID,
		Description: p.Name,
		AmountCents: o.TotalCents,
		Currency:    o.Currency,
		SuccessURL:  s.cfg.Checkout.OrderSuccessURL,
		CancelURL:   s.cfg.Checkout.OrderCancelURL,
	})
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("order checkout failed, order left CREATED", "order_id", o.ID, "err", err)
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND provider_payment_id IS NULL", o.ID).
		Update("provider_payment_id", res.ProviderSessionID).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store provider payment id: %w", err)
	}
	o.ProviderPaymentID = &res.ProviderSessionID
	logctx.FromCtx(ctx, s.log).Infow("order_checkout_created", "order_id", o.ID, "provider", in.Provider, "provider_payment_id", res.ProviderSessionID)
	return &Created{Order: o, RedirectURL: res.RedirectURL}, nil
}

type SpendInput struct {
	ProductID string `json:"product_id" binding:"required"`
	Qty       int64  `json:"qty" binding:"required,gt=0,lte=100"`
}

// SpendPoints buys a product with points. The order is created PAID and the
// ledger is debited in the same transaction; the balance check happens under
// the user lock inside points.Spend.
func (s *Service) SpendPoints(ctx context.Context, userID string, in *SpendInput) (*models.Order, error) {
	var o *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.catalog.Product(ctx, tx, in.ProductID, true)
		if err != nil {
			return err
		}
		if err := s.checkProduct(ctx, tx, userID, p, in.Qty); err != nil {
			return err
		}
		if !p.PointsEligible() {
			return apperr.Validation(apperr.CodeNotPointsEligible, "product cannot be bought with points")
		}
		required := p.PointsPrice * in.Qty
		now := s.now()
		o = &models.Order{
			ID:     tool.GenerateUUIDV7(),
			UserID: userID,
			Status: types.OrderStatusPaid,
			// valued at the point rate so a refund never owes cash
			TotalCents:  required * types.PointValueCents,
			Currency:    p.Currency,
			PaidWith:    types.PaidWithPoints,
			PointsSpent: required,
			PaidAt:      &now,
		}
		if _, err := s.points.Spend(ctx, tx, userID, required, types.RefTypeOrder, o.ID); err != nil {
			return err
		}
		o.Items = []models.OrderItem{{
			ID:             tool.GenerateUUIDV7(),
			OrderID:        o.ID,
			ProductID:      p.ID,
			Qty:            in.Qty,
			UnitPriceCents: p.PriceCents,
			UnitPoints:     p.PointsPrice,
		}}
		if err := tx.Create(o).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return decrementStock(ctx, tx, p.ID, in.Qty)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncOrderTransition("", string(types.OrderStatusPaid))
	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: userID,
		Action:      audit.ActionPointsSpent,
		Entity:      "order",
		EntityID:    o.ID,
		Metadata:    map[string]any{"points": o.PointsSpent, "product_id": in.ProductID, "qty": in.Qty},
	})
	s.notifyPaid(ctx, o)
	return o, nil
}

func decrementStock(ctx context.Context, tx *gorm.DB, productID string, qty int64) error {
	res := tx.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND stock >= ?", productID, qty).
		Update("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return fmt.Errorf("failed to decrement stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict(apperr.CodeOutOfStock, "product is out of stock")
	}
	return nil
}

// Cancel moves the user's own CREATED order to CANCELED.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var o *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = Lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.NotFound("order %s not found", orderID)
		}
		now := s.now()
		return Transition(ctx, tx, o, types.OrderStatusCanceled, map[string]any{"canceled_at": now})
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, &audit.Entry{ActorUserID: userID, Action: audit.ActionOrderCanceled, Entity: "order", EntityID: o.ID})
	return o, nil
}

// Get returns an order of the user with its items.
func (s *Service) Get(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).Preload("Items").First(&o, "id = ? AND user_id = ?", orderID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("order %s not found", orderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &o, nil
}

var scanFields = map[string]bool{
	"id": true, "user_id": true, "status": true, "paid_with": true, "provider": true,
	"provider_payment_id": true, "total_cents": true, "points_spent": true,
	"created_at": true, "paid_at": true, "refunded_at": true,
}

type ScanResult struct {
	Items []*models.Order `json:"items"`
	Total int64           `json:"total"`
}

// Scan is the admin listing with filters, paging and sorting.
func (s *Service) Scan(ctx context.Context, req *types.ScanRequest) (*ScanResult, error) {
	if req == nil {
		req = &types.ScanRequest{}
	}
	if err := req.Validate(scanFields); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "%v", err)
	}

	q := s.db.WithContext(ctx).Model(&models.Order{})
	if len(req.Filters) > 0 {
		q = q.Where(clause.Where{Exprs: []clause.Expression{types.FiltersAnd(req.Filters)}})
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	q = q.Preload("Items").Limit(req.Size).Offset(req.From)
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})

	var rows []*models.Order
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return &ScanResult{Items: rows, Total: total}, nil
}

func (s *Service) notifyPaid(ctx context.Context, o *models.Order) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", o.UserID).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("skip order receipt, user not loaded", "order_id", o.ID, "err", err)
		return
	}
	s.notifier.OrderPaid(ctx, &u, o)
}

var Module = fx.Options(
	fx.Provide(New),
)
