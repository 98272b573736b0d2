package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderTypeRecharge = "RECHARGE"
	OrderTypePurchase = "PURCHASE"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunded  = "REFUNDED"
)

// ValidStatusTransitions 订单状态机
// CANCELLED 之后仍允许到账：链上的钱已经到了，必须入账
var ValidStatusTransitions = map[string][]string{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusCompleted, OrderStatusRefunded},
	OrderStatusCompleted: {OrderStatusRefunded},
	OrderStatusCancelled: {OrderStatusPaid, OrderStatusCompleted},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Order 订单表（充值 / 购买）
// CreditedAt 是充值入账的幂等锚点：非空即表示余额已经加过
type Order struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo     string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_no"`
	RequestID   *string         `gorm:"type:varchar(64);uniqueIndex" json:"request_id,omitempty"`
	UserID      int64           `gorm:"index;not null" json:"user_id"`
	Type        string          `gorm:"type:varchar(16);not null" json:"type"`
	Amount      decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status      string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Description string          `gorm:"type:text" json:"description"`
	PaidAt      *time.Time      `json:"paid_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	CreditedAt  *time.Time      `json:"credited_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
