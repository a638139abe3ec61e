// Package catalogtest seeds a catalog for service tests.
package catalogtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/models"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/tool"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Plans is ACCESSO without points and premium TUTELA awarding 10 points.
func Plans() []*config.PlanConfig {
	return []*config.PlanConfig{
		{Code: types.PlanCodeAccesso, Name: "Accesso", PriceCents: 900, Currency: "eur", PeriodDays: 28,
			PointsPolicy: types.PointsPolicyNone, Active: true, StripePriceID: "price_accesso", PayPalPlanID: "P-ACCESSO"},
		{Code: types.PlanCodeTutela, Name: "Tutela", PriceCents: 1900, Currency: "eur", PeriodDays: 28,
			PointsPolicy: types.PointsPolicyFixed, PointsFixedAmount: 10, Premium: true, Active: true,
			StripePriceID: "price_tutela", PayPalPlanID: "P-TUTELA"},
	}
}

// New syncs Plans into db and returns the catalog with the plans by code.
func New(t testing.TB, db *gorm.DB, sink audit.Sink) (*catalog.Service, map[types.PlanCode]*models.MembershipPlan) {
	t.Helper()
	cfg := &config.Config{MembershipPlans: Plans()}
	cat := catalog.New(cfg, db, sink, zap.NewNop().Sugar())
	plans, err := cat.SyncPlans(context.Background())
	require.NoError(t, err)
	byCode := make(map[types.PlanCode]*models.MembershipPlan, len(plans))
	for _, p := range plans {
		byCode[p.Code] = p
	}
	return cat, byCode
}

// Product inserts an approved, stocked product; edit adjusts it first.
func Product(t testing.TB, db *gorm.DB, edit func(p *models.Product)) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:          tool.GenerateUUIDV7(),
		SellerID:    tool.GenerateUUIDV7(),
		Name:        "Field guide",
		Status:      types.ProductStatusApproved,
		PriceCents:  300,
		Currency:    "EUR",
		PointsPrice: 3,
		Stock:       10,
	}
	if edit != nil {
		edit(p)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}
