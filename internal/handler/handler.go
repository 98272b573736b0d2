package handler

import (
	"strconv"

	"proxyhub/internal/config"
	"proxyhub/internal/repository"
	"proxyhub/internal/service"
	"proxyhub/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，服务由 main 组装后注入
type Handler struct {
	cfg             *config.Config
	accountService  *service.AccountService
	orderService    *service.OrderService
	confirmService  *service.ConfirmService
	purchaseService *service.PurchaseService
	refundService   *service.RefundService
}

type Services struct {
	Account  *service.AccountService
	Order    *service.OrderService
	Confirm  *service.ConfirmService
	Purchase *service.PurchaseService
	Refund   *service.RefundService
}

func NewHandler(cfg *config.Config, svc Services) *Handler {
	return &Handler{
		cfg:             cfg,
		accountService:  svc.Account,
		orderService:    svc.Order,
		confirmService:  svc.Confirm,
		purchaseService: svc.Purchase,
		refundService:   svc.Refund,
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

func queryPage(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// ============================================================
// 账户
// ============================================================

// GetBalance GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	balance, err := h.accountService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, balance)
}

// ListBalanceLogs GET /api/v1/account/balance-logs?user_id=xxx&page=1&page_size=20
func (h *Handler) ListBalanceLogs(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	logs, total, err := h.accountService.ListBalanceLogs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, logs, total, page, pageSize)
}

// ListTransactions GET /api/v1/account/transactions?user_id=xxx
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	transactions, total, err := h.accountService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, transactions, total, page, pageSize)
}

// GetTransaction GET /api/v1/transactions/:transaction_no?user_id=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	trans, err := h.accountService.GetTransaction(c.Request.Context(), c.Param("transaction_no"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trans)
}

// ============================================================
// 订单
// ============================================================

// CreateRecharge 创建充值订单并开启支付会话
// POST /api/v1/orders/recharge
func (h *Handler) CreateRecharge(c *gin.Context) {
	var req service.RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.orderService.CreateRecharge(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GetOrder GET /api/v1/orders/detail?order_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}

// ListOrders GET /api/v1/orders/list?user_id=xxx&status=PENDING&type=RECHARGE&page=1&page_size=20
func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := queryPage(c)

	filter := repository.OrderFilter{
		UserID: userID,
		Status: c.Query("status"),
		Type:   c.Query("type"),
	}
	orders, total, err := h.orderService.ListOrders(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Page(c, orders, total, page, pageSize)
}

// CancelOrder POST /api/v1/orders/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req struct {
		OrderNo string `json:"order_no" binding:"required"`
		UserID  int64  `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orderService.CancelOrder(c.Request.Context(), req.OrderNo, req.UserID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "订单已取消"})
}

// Purchase 余额购买，request_id 保证幂等
// POST /api/v1/orders/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.purchaseService.Purchase(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Refund 购买订单全额退回余额
// POST /api/v1/orders/refund
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.refundService.Refund(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// SupportedCurrencies GET /api/v1/crypto/currencies
func (h *Handler) SupportedCurrencies(c *gin.Context) {
	response.Success(c, h.orderService.SupportedCurrencies())
}
