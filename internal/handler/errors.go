package handler

import (
	"errors"
	"net/http"

	"proxyhub/internal/gateway/cryptomus"
	"proxyhub/internal/infrastructure/lock"
	"proxyhub/internal/repository"
	"proxyhub/internal/service"
	"proxyhub/pkg/logger"
	"proxyhub/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type errorMapping struct {
	target     error
	httpStatus int
	code       int
}

// 按顺序匹配，先命中先返回
// 业务类错误沿用 HTTP 200 + 业务码
var errorMappings = []errorMapping{
	{repository.ErrPaymentNotFound, http.StatusNotFound, response.CodePaymentNotFound},
	// 别人的支付按不存在处理，不暴露支付号是否存在
	{service.ErrPaymentForbidden, http.StatusNotFound, response.CodePaymentNotFound},
	{repository.ErrOrderNotFound, http.StatusNotFound, response.CodeOrderNotFound},
	{repository.ErrUserNotFound, http.StatusNotFound, response.CodeUserNotFound},
	{service.ErrTransactionNotFound, http.StatusNotFound, response.CodeTransactionNotFound},
	{service.ErrOrderForbidden, http.StatusForbidden, response.CodeForbidden},
	{service.ErrUserInactive, http.StatusForbidden, response.CodeForbidden},
	{service.ErrInvalidAmount, http.StatusBadRequest, response.CodeParamError},
	{service.ErrInvalidPayMethod, http.StatusBadRequest, response.CodeParamError},
	{service.ErrUnsupportedCurrency, http.StatusBadRequest, response.CodeParamError},
	{service.ErrPayloadMismatch, http.StatusBadRequest, response.CodePayloadMismatch},
	{cryptomus.ErrMalformedPayload, http.StatusBadRequest, response.CodeParamError},
	{cryptomus.ErrSignatureMissing, http.StatusForbidden, response.CodeSignatureInvalid},
	{cryptomus.ErrSignatureInvalid, http.StatusForbidden, response.CodeSignatureInvalid},
	{repository.ErrBalanceNotEnough, http.StatusOK, response.CodeBalanceNotEnough},
	{repository.ErrOrderStatusInvalid, http.StatusOK, response.CodeOrderStatusInvalid},
	{service.ErrRefundNotAllowed, http.StatusOK, response.CodeRefundFailed},
	{lock.ErrLockFailed, http.StatusTooManyRequests, response.CodeDuplicateRequest},
	{gobreaker.ErrOpenState, http.StatusServiceUnavailable, response.CodeGatewayUnavailable},
	{gobreaker.ErrTooManyRequests, http.StatusServiceUnavailable, response.CodeGatewayUnavailable},
	{service.ErrGatewayUnconfigured, http.StatusServiceUnavailable, response.CodeGatewayUnavailable},
	{cryptomus.ErrUnconfigured, http.StatusServiceUnavailable, response.CodeGatewayUnavailable},
	{service.ErrLedgerInconsistent, http.StatusInternalServerError, response.CodeLedgerInconsistent},
}

// writeError 把 service 层错误翻译成 HTTP 响应
func writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.httpStatus >= http.StatusInternalServerError {
				logger.Error(ctx, "请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
			}
			response.ErrorWithStatus(c, m.httpStatus, m.code, err.Error())
			return
		}
	}

	var apiErr *cryptomus.APIError
	if errors.As(err, &apiErr) {
		logger.Warn(ctx, "上游支付网关返回错误", zap.Error(err))
		response.ErrorWithStatus(c, http.StatusBadGateway, response.CodeGatewayUnavailable, "支付网关暂时不可用")
		return
	}

	logger.Error(ctx, "请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
	response.ServerError(c, "服务器内部错误")
}

// writeWebhookError webhook 的状态码约定和普通接口不同
// 报文无法解析时返回 500；没有网关按签名失败返回 403；订单缺失返回 409，支付已确认，等人工对账
func writeWebhookError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	switch {
	case errors.Is(err, cryptomus.ErrMalformedPayload):
		logger.Error(ctx, "webhook 报文无法解析", zap.Error(err))
		response.ErrorWithStatus(c, http.StatusInternalServerError, response.CodeParamError, err.Error())
	case errors.Is(err, service.ErrGatewayUnconfigured):
		response.ErrorWithStatus(c, http.StatusForbidden, response.CodeSignatureInvalid, err.Error())
	case errors.Is(err, service.ErrLedgerInconsistent):
		logger.Error(ctx, "webhook 账务不一致", zap.Error(err))
		response.ErrorWithStatus(c, http.StatusConflict, response.CodeLedgerInconsistent, err.Error())
	default:
		writeError(c, err)
	}
}
