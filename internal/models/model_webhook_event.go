package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/memberledger/pkg/types"
)

// WebhookEvent is the durable idempotency record for provider deliveries.
// A row with ProcessedAt set must never cause side effects again.
type WebhookEvent struct {
	ID          string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Provider    types.PaymentProvider `gorm:"column:provider;type:varchar(32);not null;uniqueIndex:unique_provider_event_id,priority:1" json:"provider"`
	EventID     string                `gorm:"column:event_id;type:varchar(255);not null;uniqueIndex:unique_provider_event_id,priority:2" json:"event_id"`
	Type        string                `gorm:"column:type;type:varchar(128);not null" json:"type"`
	Payload     datatypes.JSON        `gorm:"column:payload;type:jsonb" json:"payload"`
	ProcessedAt *time.Time            `gorm:"column:processed_at;default:null" json:"processed_at"`
	Attempts    int                   `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   *string               `gorm:"column:last_error;type:text;default:null" json:"last_error"`
	TraceID     string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }
