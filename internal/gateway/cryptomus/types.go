package cryptomus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest POST /payment
type CreatePaymentRequest struct {
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	OrderID           string `json:"order_id"`
	ToCurrency        string `json:"to_currency,omitempty"`
	Network           string `json:"network,omitempty"`
	URLCallback       string `json:"url_callback,omitempty"`
	URLSuccess        string `json:"url_success,omitempty"`
	IsPaymentMultiple bool   `json:"is_payment_multiple"`
	Lifetime          int    `json:"lifetime"`
}

// Invoice 上游返回的支付单信息，创建和查询共用
type Invoice struct {
	UUID          string   `json:"uuid"`
	OrderID       string   `json:"order_id"`
	Amount        string   `json:"amount"`
	PaymentAmount string   `json:"payment_amount"`
	PayerAmount   string   `json:"payer_amount"`
	PayerCurrency string   `json:"payer_currency"`
	Currency      string   `json:"currency"`
	Network       string   `json:"network"`
	Address       string   `json:"address"`
	TxID          string   `json:"txid"`
	PaymentStatus string   `json:"payment_status"`
	Status        string   `json:"status"`
	URL           string   `json:"url"`
	ExpiredAt     int64    `json:"expired_at"`
	IsFinal       bool     `json:"is_final"`
	Confirmations *FlexInt `json:"confirmations"`
}

// CurrentStatus payment_status 优先，旧版接口只有 status
func (i *Invoice) CurrentStatus() string {
	if i.PaymentStatus != "" {
		return i.PaymentStatus
	}
	return i.Status
}

type envelope struct {
	State   int             `json:"state"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// WebhookPayload 支付状态通知
type WebhookPayload struct {
	Type             string          `json:"type"`
	UUID             string          `json:"uuid"`
	OrderID          string          `json:"order_id"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentAmount    string          `json:"payment_amount"`
	PaymentAmountUSD string          `json:"payment_amount_usd"`
	MerchantAmount   string          `json:"merchant_amount"`
	MerchantUUID     string          `json:"merchant_uuid"`
	IsFinal          bool            `json:"is_final"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	Network          string          `json:"network"`
	Currency         string          `json:"currency"`
	PayerCurrency    string          `json:"payer_currency"`
	TxID             string          `json:"txid"`
	Confirmations    *FlexInt        `json:"confirmations"`

	// RequiredConfirmations 只能提高本地门槛
	RequiredConfirmations *FlexInt `json:"required_confirmations"`
	Sign                  string   `json:"sign"`
}

// CurrentStatus status 为空时取 payment_status
func (p *WebhookPayload) CurrentStatus() string {
	if p.Status != "" {
		return p.Status
	}
	return p.PaymentStatus
}

// FlexInt 兼容数字和数字字符串两种写法
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("confirmations 不是整数: %q", data)
	}
	*f = FlexInt(n)
	return nil
}

// IntPtr nil 表示上游未提供
func (f *FlexInt) IntPtr() *int {
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}
