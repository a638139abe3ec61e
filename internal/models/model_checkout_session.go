package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// CheckoutSession bridges a provider checkout flow to a local plan and email
// before the user account exists. It moves to PAID exactly once.
type CheckoutSession struct {
	ID                string                      `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Kind              types.CheckoutSessionKind   `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	PlanID            string                      `gorm:"column:plan_id;type:uuid;not null" json:"plan_id"`
	Email             string                      `gorm:"column:email;type:varchar(255);not null" json:"email"`
	Provider          types.PaymentProvider       `gorm:"column:provider;type:varchar(32);not null" json:"provider"`
	ProviderSessionID string                      `gorm:"column:provider_session_id;type:varchar(255);not null;uniqueIndex" json:"provider_session_id"`
	Status            types.CheckoutSessionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	ExpiresAt         time.Time                   `gorm:"column:expires_at;not null" json:"expires_at"`
	// UserID is set once the session is finalized.
	UserID    *string    `gorm:"column:user_id;type:uuid;default:null" json:"user_id"`
	PaidAt    *time.Time `gorm:"column:paid_at;default:null" json:"paid_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (CheckoutSession) TableName() string {
	return "checkout_session"
}

func (s *CheckoutSession) Expired(now time.Time) bool {
	return s.Status == types.CheckoutSessionStatusExpired ||
		(s.Status == types.CheckoutSessionStatusCreated && !now.Before(s.ExpiresAt))
}
