package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus 内部统一的支付状态，上游网关的状态词在网关包内就被映射掉
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// IsTerminal confirmed/failed/expired/cancelled 之后不再期望状态变化
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusConfirmed, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
		return true
	}
	return false
}

// IsFailure 终态但不入账
func (s PaymentStatus) IsFailure() bool {
	return s.IsTerminal() && s != PaymentStatusConfirmed
}

// AwaitingLateFunds 过期或取消不久的加密货币支付，链上仍可能到账
func (p *Payment) AwaitingLateFunds(now time.Time, window time.Duration) bool {
	if p.Method != PaymentMethodCrypto || p.ExpiresAt == nil {
		return false
	}
	if p.Status != PaymentStatusExpired && p.Status != PaymentStatusCancelled {
		return false
	}
	return now.Sub(*p.ExpiresAt) < window
}

const (
	PaymentMethodCrypto = "crypto"
	PaymentMethodBank   = "bank"
	PaymentMethodAlipay = "alipay"
	PaymentMethodWechat = "wechat"
)

func IsValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCrypto, PaymentMethodBank, PaymentMethodAlipay, PaymentMethodWechat:
		return true
	}
	return false
}

// Payment 一次支付尝试
// PaymentID 是外部支付标识，所有确认操作都以它为幂等键
// RequiredConfirmations 创建时按网络确定，之后不再修改
type Payment struct {
	ID                    int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID             string           `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_id"`
	OrderID               int64            `gorm:"index;not null" json:"order_id"`
	UserID                int64            `gorm:"index;not null" json:"user_id"`
	Method                string           `gorm:"type:varchar(16);not null" json:"method"`
	Amount                decimal.Decimal  `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string           `gorm:"type:varchar(10);not null;default:USD" json:"currency"`
	Status                PaymentStatus    `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	CryptoCurrency        string           `gorm:"type:varchar(10)" json:"crypto_currency,omitempty"`
	Network               string           `gorm:"type:varchar(20)" json:"network,omitempty"`
	CryptoAmount          *decimal.Decimal `gorm:"type:decimal(20,8)" json:"crypto_amount,omitempty"`
	WalletAddress         string           `gorm:"type:varchar(255)" json:"wallet_address,omitempty"`
	TransactionHash       string           `gorm:"type:varchar(255)" json:"transaction_hash,omitempty"`
	Confirmations         int              `gorm:"not null;default:0" json:"confirmations"`
	RequiredConfirmations int              `gorm:"not null;default:1" json:"required_confirmations"`
	ExpiresAt             *time.Time       `gorm:"index" json:"expires_at"`
	ConfirmedAt           *time.Time       `json:"confirmed_at"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
