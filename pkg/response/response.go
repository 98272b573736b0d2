package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess         = 0
	CodeParamError      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeTooManyRequests = 429
	CodeServerError     = 500
	CodeBusinessError   = 1000
)

const (
	CodeOrderNotFound       = 1001
	CodeOrderStatusInvalid  = 1002
	CodeBalanceNotEnough    = 1003
	CodeDuplicateRequest    = 1004
	CodeUserNotFound        = 1005
	CodePaymentFailed       = 1006
	CodeRefundFailed        = 1007
	CodePaymentNotFound     = 1008
	CodeSignatureInvalid    = 1009
	CodePayloadMismatch     = 1010
	CodeGatewayUnavailable  = 1011
	CodeLedgerInconsistent  = 1012
	CodeTransactionNotFound = 1013
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageData 分页列表
type PageData struct {
	List     interface{} `json:"list"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Page(c *gin.Context, list interface{}, total int64, page, pageSize int) {
	Success(c, PageData{List: list, Total: total, Page: page, PageSize: pageSize})
}

// Error 业务错误，HTTP 状态码固定 200
func Error(c *gin.Context, code int, message string) {
	ErrorWithStatus(c, http.StatusOK, code, message)
}

// ErrorWithStatus 需要让调用方按 HTTP 状态码重试或拒绝时使用（webhook、鉴权、限流）
func ErrorWithStatus(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	ErrorWithStatus(c, http.StatusBadRequest, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	ErrorWithStatus(c, http.StatusInternalServerError, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
