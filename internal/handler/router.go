package handler

import (
	"net/http"

	"proxyhub/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由；limiter 为 nil 时不限流
func SetupRouter(h *Handler, limiter *ratelimit.Limiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", HeaderRequestID)
	corsConfig.ExposeHeaders = []string{HeaderRequestID}
	r.Use(cors.New(corsConfig))

	api := r.Group("/api/v1")

	// 支付处理方的通知不限流，漏掉通知只能靠对账补
	api.POST("/payments/webhook", h.Webhook)

	if limiter != nil {
		api.Use(RateLimitMiddleware(limiter))
	}
	{
		payments := api.Group("/payments")
		{
			payments.POST("/callback", h.PaymentCallback)
			payments.GET("/:payment_id", h.GetPayment)
			payments.GET("/:payment_id/monitor", h.MonitorPayment)
		}

		orders := api.Group("/orders")
		{
			orders.POST("/recharge", h.CreateRecharge)
			orders.GET("/detail", h.GetOrder)
			orders.GET("/list", h.ListOrders)
			orders.POST("/cancel", h.CancelOrder)
			orders.POST("/purchase", h.Purchase)
			orders.POST("/refund", h.Refund)
		}

		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/balance-logs", h.ListBalanceLogs)
			account.GET("/transactions", h.ListTransactions)
		}

		api.GET("/transactions/:transaction_no", h.GetTransaction)
		api.GET("/crypto/currencies", h.SupportedCurrencies)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
