package cryptomus

import (
	"strings"

	"proxyhub/internal/model"
)

// 上游状态词到内部状态的映射，未知状态一律视为 pending
var statusMapping = map[string]model.PaymentStatus{
	"pending":        model.PaymentStatusPending,
	"confirm_check":  model.PaymentStatusPending,
	"process":        model.PaymentStatusPending,
	"check":          model.PaymentStatusPending,
	"paid":           model.PaymentStatusConfirmed,
	"paid_over":      model.PaymentStatusConfirmed,
	"wrong_amount":   model.PaymentStatusFailed,
	"wrong_currency": model.PaymentStatusFailed,
	"fail":           model.PaymentStatusFailed,
	"system_fail":    model.PaymentStatusFailed,
	"expired":        model.PaymentStatusExpired,
	"cancel":         model.PaymentStatusCancelled,
	"cancelled":      model.PaymentStatusCancelled,

	// 内部状态原样返回，回调和任务可以直接传内部状态
	string(model.PaymentStatusConfirmed): model.PaymentStatusConfirmed,
	string(model.PaymentStatusFailed):    model.PaymentStatusFailed,
}

// NormalizeStatus 把上游或内部状态字符串映射为 model.PaymentStatus
func NormalizeStatus(status string) model.PaymentStatus {
	if s, ok := statusMapping[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return model.PaymentStatusPending
}
