package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// MembershipPlan is a catalog entry. Rows are seeded from configuration.
type MembershipPlan struct {
	ID                string             `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Code              types.PlanCode     `gorm:"column:code;type:varchar(32);not null;uniqueIndex" json:"code"`
	Name              string             `gorm:"column:name;type:varchar(128);not null" json:"name"`
	PriceCents        int64              `gorm:"column:price_cents;type:bigint;not null" json:"price_cents"`
	Currency          string             `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	PeriodDays        int                `gorm:"column:period_days;not null" json:"period_days"`
	PointsPolicy      types.PointsPolicy `gorm:"column:points_policy;type:varchar(16);not null" json:"points_policy"`
	PointsFixedAmount int64              `gorm:"column:points_fixed_amount;type:bigint;not null;default:0" json:"points_fixed_amount"`
	// Premium plans unlock premium-only products.
	Premium       bool      `gorm:"column:premium;not null;default:false" json:"premium"`
	Active        bool      `gorm:"column:active;not null;default:true" json:"active"`
	StripePriceID string    `gorm:"column:stripe_price_id;type:varchar(128)" json:"stripe_price_id"`
	PayPalPlanID  string    `gorm:"column:paypal_plan_id;type:varchar(128)" json:"paypal_plan_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (MembershipPlan) TableName() string {
	return "membership_plan"
}

// RenewalPoints is the amount credited per renewal, zero when the plan does
// not award points.
func (p *MembershipPlan) RenewalPoints() int64 {
	if p == nil || p.PointsPolicy != types.PointsPolicyFixed || p.PointsFixedAmount <= 0 {
		return 0
	}
	return p.PointsFixedAmount
}

// ProviderPlanID returns the provider-side price/plan identifier.
func (p *MembershipPlan) ProviderPlanID(provider types.PaymentProvider) string {
	switch provider {
	case types.PaymentProviderStripe:
		return p.StripePriceID
	case types.PaymentProviderPayPal:
		return p.PayPalPlanID
	}
	return ""
}
