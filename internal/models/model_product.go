package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

type Product struct {
	ID         string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SellerID   string              `gorm:"column:seller_id;type:uuid;not null;index" json:"seller_id"`
	Name       string              `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Status     types.ProductStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	PriceCents int64               `gorm:"column:price_cents;type:bigint;not null" json:"price_cents"`
	Currency   string              `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	// PointsPrice is the per-unit price in points; zero means not purchasable with points.
	PointsPrice int64     `gorm:"column:points_price;type:bigint;not null;default:0" json:"points_price"`
	Stock       int64     `gorm:"column:stock;type:bigint;not null;default:0" json:"stock"`
	PremiumOnly bool      `gorm:"column:premium_only;not null;default:false" json:"premium_only"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Product) TableName() string {
	return "product"
}

func (p *Product) Purchasable() bool {
	return p != nil && p.Status == types.ProductStatusApproved
}

func (p *Product) PointsEligible() bool {
	return p != nil && p.PointsPrice > 0
}
