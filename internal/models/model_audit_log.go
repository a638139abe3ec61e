package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is an append-only trail of mutating operations.
type AuditLog struct {
	ID          string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ActorUserID *string           `gorm:"column:actor_user_id;type:varchar(64)" json:"actor_user_id"`
	Action      string            `gorm:"column:action;type:varchar(64);not null;index" json:"action"`
	Entity      string            `gorm:"column:entity;type:varchar(64);not null" json:"entity"`
	EntityID    string            `gorm:"column:entity_id;type:varchar(128);not null;index" json:"entity_id"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	TraceID     string            `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_log" }
