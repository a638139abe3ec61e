package models

import (
	"time"

	"github.com/fatflowers/memberledger/pkg/types"
)

// User is the local identity. Users are never hard-deleted; Disabled blocks
// any further session use.
type User struct {
	ID        string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Email     string         `gorm:"column:email;type:varchar(255);not null;uniqueIndex" json:"email"`
	Name      string         `gorm:"column:name;type:varchar(255)" json:"name"`
	Role      types.UserRole `gorm:"column:role;type:varchar(32);not null" json:"role"`
	Disabled  bool           `gorm:"column:disabled;not null;default:false" json:"disabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (User) TableName() string {
	return "user_account"
}
