package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// Order moves only forward: CREATED -> PAID -> REFUNDED, or CREATED -> CANCELED.
type Order struct {
	ID         string            `gorm:"column:id;type:uuid;primary_key;index:idx_order_user_id_id,priority:2,sort:desc" json:"id"`
	UserID     string            `gorm:"column:user_id;type:uuid;not null;index:idx_order_user_id_id,priority:1" json:"user_id"`
	Status     types.OrderStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	TotalCents int64             `gorm:"column:total_cents;type:bigint;not null" json:"total_cents"`
	Currency   string            `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	PaidWith   types.PaidWith    `gorm:"column:paid_with;type:varchar(16);not null" json:"paid_with"`
	// Provider and ProviderPaymentID are empty for points orders.
	Provider          types.PaymentProvider `gorm:"column:provider;type:varchar(32)" json:"provider,omitempty"`
	ProviderPaymentID *string               `gorm:"column:provider_payment_id;type:varchar(255);uniqueIndex;default:null" json:"provider_payment_id"`
	PointsSpent       int64                 `gorm:"column:points_spent;type:bigint;not null;default:0" json:"points_spent"`

	PaidAt           *time.Time `gorm:"column:paid_at;default:null" json:"paid_at"`
	CanceledAt       *time.Time `gorm:"column:canceled_at;default:null" json:"canceled_at"`
	RefundedAt       *time.Time `gorm:"column:refunded_at;default:null" json:"refunded_at"`
	RefundReason     *string    `gorm:"column:refund_reason;type:varchar(255);default:null" json:"refund_reason"`
	ProviderRefundID *string    `gorm:"column:provider_refund_id;type:varchar(255);default:null" json:"provider_refund_id"`

	Items     []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (Order) TableName() string {
	return "order_record"
}

// RefundCashCents is the portion of the order refundable through the
// provider. Points are restored to the ledger instead and never paid out.
func (o *Order) RefundCashCents() int64 {
	cash := o.TotalCents - o.PointsSpent*types.PointValueCents
	if cash < 0 {
		return 0
	}
	return cash
}

type OrderItem struct {
	ID             string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	OrderID        string    `gorm:"column:order_id;type:uuid;not null;index" json:"order_id"`
	ProductID      string    `gorm:"column:product_id;type:uuid;not null" json:"product_id"`
	Qty            int64     `gorm:"column:qty;type:bigint;not null" json:"qty"`
	UnitPriceCents int64     `gorm:"column:unit_price_cents;type:bigint;not null" json:"unit_price_cents"`
	UnitPoints     int64     `gorm:"column:unit_points;type:bigint;not null;default:0" json:"unit_points"`
	CreatedAt      time.Time `json:"created_at"`
}

func (OrderItem) TableName() string {
	return "order_item"
}
