package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User 用户表
// Balance 是余额的唯一可变来源，充值入账只能由确认引擎在事务内修改
type User struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string          `gorm:"type:varchar(50);uniqueIndex;not null" json:"username"`
	Email     string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"email"`
	Balance   decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"balance"`
	IsActive  bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
