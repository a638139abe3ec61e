package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logctx"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

const (
	planCacheSize = 64
	planCacheTTL  = 5 * time.Minute
)

// Service owns membership plans and products. Plans are cached because
// every webhook and checkout resolves one; products are not, stock moves.
type Service struct {
	cfg   *config.Config
	db    *gorm.DB
	audit audit.Sink
	log   *zap.SugaredLogger
	plans *expirable.LRU[string, *models.MembershipPlan]
}

func New(cfg *config.Config, db *gorm.DB, sink audit.Sink, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:   cfg,
		db:    db,
		audit: sink,
		log:   log,
		plans: expirable.NewLRU[string, *models.MembershipPlan](planCacheSize, nil, planCacheTTL),
	}
}

// SyncPlans upserts the configured plans by code. Existing ids are kept.
func (s *Service) SyncPlans(ctx context.Context) ([]*models.MembershipPlan, error) {
	defer s.plans.Purge()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pc := range s.cfg.MembershipPlans {
			if !pc.Code.Valid() {
				return apperr.Validation(apperr.CodeInvalidPlan, "invalid plan code %q", pc.Code)
			}
			row := &models.MembershipPlan{
				ID:                tool.GenerateUUIDV7(),
				Code:              pc.Code,
				Name:              pc.Name,
				PriceCents:        pc.PriceCents,
				Currency:          strings.ToUpper(pc.Currency),
				PeriodDays:        pc.PeriodDays,
				PointsPolicy:      pc.PointsPolicy,
				PointsFixedAmount: pc.PointsFixedAmount,
				Premium:           pc.Premium,
				Active:            pc.Active,
				StripePriceID:     pc.StripePriceID,
				PayPalPlanID:      pc.PayPalPlanID,
			}
			if row.PointsPolicy == "" {
				row.PointsPolicy = types.PointsPolicyNone
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "price_cents", "currency", "period_days", "points_policy",
					"points_fixed_amount", "premium", "active", "stripe_price_id", "paypal_plan_id", "updated_at",
				}),
			}).Create(row).Error
			if err != nil {
				return fmt.Errorf("upsert plan %s: %w", pc.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	plans, err := s.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("membership plans synced", "count", len(plans))
	return plans, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]*models.MembershipPlan, error) {
	var plans []*models.MembershipPlan
	if err := s.db.WithContext(ctx).Order("code").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// PlanByCode resolves a plan by its catalog code. db may be a transaction.
func (s *Service) PlanByCode(ctx context.Context, db *gorm.DB, code types.PlanCode) (*models.MembershipPlan, error) {
	if !code.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidPlan, "invalid plan code %q", code)
	}
	return s.cachedPlan(ctx, db, "code:"+string(code), "code = ?", code)
}

func (s *Service) PlanByID(ctx context.Context, db *gorm.DB, id string) (*models.MembershipPlan, error) {
	return s.cachedPlan(ctx, db, "id:"+id, "id = ?", id)
}

// PlanByProviderPlanID maps a provider price/plan id back to a local plan.
func (s *Service) PlanByProviderPlanID(ctx context.Context, db *gorm.DB, provider types.PaymentProvider, providerPlanID string) (*models.MembershipPlan, error) {
	if providerPlanID == "" {
		return nil, apperr.NotFound("empty provider plan id")
	}
	switch provider {
	case types.PaymentProviderStripe:
		return s.cachedPlan(ctx, db, "stripe:"+providerPlanID, "stripe_price_id = ?", providerPlanID)
	case types.PaymentProviderPayPal:
		return s.cachedPlan(ctx, db, "paypal:"+providerPlanID, "paypal_plan_id = ?", providerPlanID)
	}
	return nil, apperr.Validation(apperr.CodeInvalidInput, "unsupported payment provider %q", provider)
}

func (s *Service) cachedPlan(ctx context.Context, db *gorm.DB, key string, query string, arg any) (*models.MembershipPlan, error) {
	if p, ok := s.plans.Get(key); ok {
		return p, nil
	}
	if db == nil {
		db = s.db
	}
	var p models.MembershipPlan
	if err := db.WithContext(ctx).Where(query, arg).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Validation(apperr.CodeInvalidPlan, "membership plan not found")
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	s.plans.Add(key, &p)
	return &p, nil
}

// Product loads a product; with lock it is read FOR UPDATE inside tx.
func (s *Service) Product(ctx context.Context, db *gorm.DB, id string, lock bool) (*models.Product, error) {
	if db == nil {
		db = s.db
	}
	q := db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var p models.Product
	if err := q.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("product %s not found", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

type ProductInput struct {
	ID          string              `json:"id"`
	SellerID    string              `json:"seller_id" binding:"required"`
	Name        string              `json:"name" binding:"required"`
	Status      types.ProductStatus `json:"status" binding:"required,oneof=PENDING APPROVED REJECTED"`
	PriceCents  int64               `json:"price_cents" binding:"gte=0"`
	Currency    string              `json:"currency" binding:"required,len=3"`
	PointsPrice int64               `json:"points_price" binding:"gte=0"`
	Stock       int64               `json:"stock" binding:"gte=0"`
	PremiumOnly bool                `json:"premium_only"`
}

// UpsertProduct creates or replaces a product. Admin only.
func (s *Service) UpsertProduct(ctx context.Context, actorID string, in *ProductInput) (*models.Product, error) {
	p := &models.Product{
		ID:          in.ID,
		SellerID:    in.SellerID,
		Name:        in.Name,
		Status:      in.Status,
		PriceCents:  in.PriceCents,
		Currency:    strings.ToUpper(in.Currency),
		PointsPrice: in.PointsPrice,
		Stock:       in.Stock,
		PremiumOnly: in.PremiumOnly,
	}
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"seller_id", "name", "status", "price_cents", "currency", "points_price", "stock", "premium_only", "updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("upsert product: %w", err)
	}
	s.audit.Record(ctx, &audit.Entry{
		ActorUserID: actorID,
		Action:      audit.ActionProductUpserted,
		Entity:      "product",
		EntityID:    p.ID,
		Metadata:    map[string]any{"status": p.Status, "stock": p.Stock},
	})
	return s.Product(ctx, nil, p.ID, false)
}

var Module = fx.Options(
	fx.Provide(New),
)
