package service

import (
	"context"
	"errors"

	"proxyhub/internal/gateway/cryptomus"
)

var (
	ErrLedgerInconsistent  = errors.New("支付已确认但关联订单不存在")
	ErrPayloadMismatch     = errors.New("通知内容与本地支付记录不一致")
	ErrGatewayUnconfigured = errors.New("支付网关未配置")
	ErrPaymentForbidden    = errors.New("无权访问该支付")
	ErrOrderForbidden      = errors.New("无权操作该订单")
	ErrInvalidAmount       = errors.New("金额必须大于 0 且最多两位小数")
	ErrUnsupportedCurrency = errors.New("不支持的加密货币")
	ErrInvalidPayMethod    = errors.New("不支持的支付方式")
	ErrUserInactive        = errors.New("用户已停用")
	ErrRefundNotAllowed    = errors.New("订单状态不允许退款")
	ErrTransactionNotFound = errors.New("流水不存在")
)

// PaymentGateway 上游支付网关，cryptomus.Client 实现该接口
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req *cryptomus.CreatePaymentRequest) (*cryptomus.Invoice, error)
	PaymentInfo(ctx context.Context, uuid, orderID string) (*cryptomus.Invoice, error)
	VerifyWebhook(raw []byte) (*cryptomus.WebhookPayload, error)
	MerchantUUID() string
}
