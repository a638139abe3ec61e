package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// PointsLedgerEntry is append-only. A user's balance is the sum of Delta.
type PointsLedgerEntry struct {
	ID        string             `gorm:"column:id;type:uuid;primary_key;index:idx_points_user_id_id,priority:2,sort:desc" json:"id"`
	UserID    string             `gorm:"column:user_id;type:uuid;not null;index:idx_points_user_id_id,priority:1" json:"user_id"`
	Delta     int64              `gorm:"column:delta;type:bigint;not null" json:"delta"`
	Reason    types.PointsReason `gorm:"column:reason;type:varchar(32);not null" json:"reason"`
	RefType   types.RefType      `gorm:"column:ref_type;type:varchar(32);not null;index:idx_points_ref,priority:1" json:"ref_type"`
	RefID     string             `gorm:"column:ref_id;type:varchar(64);not null;index:idx_points_ref,priority:2" json:"ref_id"`
	Note      string             `gorm:"column:note;type:varchar(255)" json:"note,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func (PointsLedgerEntry) TableName() string {
	return "points_ledger_entry"
}
