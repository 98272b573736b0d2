package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionTypeRecharge = "recharge"
	TransactionTypePurchase = "purchase"
	TransactionTypeRefund   = "refund"
	TransactionTypeRenewal  = "renewal"

	BalanceLogTypeAdminAdjust = "admin_adjust"
)

// Transaction 账户流水，只追加不修改
// (order_id, type) 唯一：同一订单同一类型的资金变动在存储层只能有一条，这是入账幂等的最终保障
type Transaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	OrderID       int64           `gorm:"uniqueIndex:uk_transaction_order_type;not null" json:"order_id"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	Type          string          `gorm:"type:varchar(20);uniqueIndex:uk_transaction_order_type;not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"balance_after"`
	Description   string          `gorm:"type:text" json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// BalanceLog 余额变动日志，面向用户展示；AdminID 仅管理员调账时有值
type BalanceLog struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64           `gorm:"index;not null" json:"user_id"`
	Type           string          `gorm:"type:varchar(20);uniqueIndex:uk_balance_log_order_type;not null" json:"type"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	BalanceBefore  decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"balance_before"`
	BalanceAfter   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"balance_after"`
	Description    string          `gorm:"type:text" json:"description"`
	RelatedOrderID *int64          `gorm:"uniqueIndex:uk_balance_log_order_type" json:"related_order_id"`
	AdminID        *int64          `json:"admin_id,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BalanceLog) TableName() string {
	return "balance_logs"
}
