package handler

import (
	"crypto/subtle"
	"io"
	"net/http"

	"proxyhub/internal/service"
	"proxyhub/pkg/logger"
	"proxyhub/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// Webhook 支付处理方异步通知，验签用原始报文
// POST /api/v1/payments/webhook
//
// 重复通知同样返回 success，处理方收到非 2xx 会重试
func (h *Handler) Webhook(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	if _, err := h.confirmService.HandleWebhook(c.Request.Context(), raw); err != nil {
		writeWebhookError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// MonitorPayment 前端轮询支付进度；上游不可用时返回最后一次已知状态
// GET /api/v1/payments/:payment_id/monitor?user_id=xxx
func (h *Handler) MonitorPayment(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	view, err := h.confirmService.Monitor(c.Request.Context(), c.Param("payment_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// GetPayment GET /api/v1/payments/:payment_id?user_id=xxx
func (h *Handler) GetPayment(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	payment, err := h.confirmService.GetPayment(c.Request.Context(), c.Param("payment_id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, payment)
}

// PaymentCallback 内部渠道回调，X-Callback-Token 与配置一致才处理
// POST /api/v1/payments/callback
func (h *Handler) PaymentCallback(c *gin.Context) {
	if !h.validCallbackToken(c.GetHeader("X-Callback-Token")) {
		logger.Warn(c.Request.Context(), "回调令牌校验失败", zap.String("ip", c.ClientIP()))
		response.ErrorWithStatus(c, http.StatusForbidden, response.CodeForbidden, "回调令牌无效")
		return
	}

	var req service.CallbackInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	confirmed, err := h.confirmService.HandleCallback(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	if !confirmed {
		response.ErrorWithStatus(c, http.StatusBadRequest, response.CodePaymentFailed, "支付未确认")
		return
	}
	response.Success(c, gin.H{"message": "支付已确认"})
}

// 未配置令牌时拒绝所有回调
func (h *Handler) validCallbackToken(token string) bool {
	expected := h.cfg.Payment.CallbackToken
	if expected == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
