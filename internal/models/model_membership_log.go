package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/memberledger/pkg/types"
)

// MembershipLog records membership transitions.
// Use case: troubleshooting out-of-order provider events.
type MembershipLog struct {
	ID           string                       `gorm:"column:id;type:uuid;primary_key" json:"id"`
	MembershipID string                       `gorm:"column:membership_id;type:uuid;index:idx_membership_log_membership,priority:1;not null" json:"membership_id"`
	UserID       string                       `gorm:"column:user_id;type:uuid;not null" json:"user_id"`
	Reason       types.MembershipChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Before and After hold snapshots of the membership row.
	Before datatypes.JSONType[*Membership] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	After  datatypes.JSONType[*Membership] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	// Extra stores trigger context such as the webhook event id.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_membership_log_membership,priority:2" json:"created_at"`
}

func (MembershipLog) TableName() string {
	return "membership_log"
}
