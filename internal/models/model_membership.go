package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// Membership is one-to-one with User.
// Use Valid() to determine whether the membership currently grants access.
type Membership struct {
	ID     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string `gorm:"column:user_id;type:uuid;not null;uniqueIndex" json:"user_id"`
	PlanID string `gorm:"column:plan_id;type:uuid;not null" json:"plan_id"`

	Status types.MembershipStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// CurrentPeriodEnd only moves forward, except when a new subscription resets it.
	CurrentPeriodStart time.Time  `gorm:"column:current_period_start;not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `gorm:"column:current_period_end;not null" json:"current_period_end"`
	AutoRenew          bool       `gorm:"column:auto_renew;not null;default:true" json:"auto_renew"`
	CanceledAt         *time.Time `gorm:"column:canceled_at;default:null" json:"canceled_at"`

	Provider      types.PaymentProvider `gorm:"column:provider;type:varchar(32);not null" json:"provider"`
	ProviderSubID string                `gorm:"column:provider_sub_id;type:varchar(128);not null;uniqueIndex" json:"provider_sub_id"`

	// Version is bumped on every write and used as the compare-and-swap guard.
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Membership) TableName() string {
	return "membership"
}

func (m *Membership) Valid(now time.Time) bool {
	return m != nil &&
		m.Status == types.MembershipStatusActive &&
		m.CurrentPeriodEnd.After(now)
}
