package handler

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"proxyhub/pkg/logger"
	"proxyhub/pkg/metrics"
	"proxyhub/pkg/ratelimit"
	"proxyhub/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware 透传或生成请求 ID，写入 context 后日志自动带上 trace_id
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), rid))
		c.Next()
	}
}

// LoggerMiddleware 访问日志 + 请求耗时指标
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(latency.Seconds())

		logger.Info(c.Request.Context(), "http",
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", c.Request.URL.RawQuery),
		)
	}
}

// RecoveryMiddleware 防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "http panic",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()),
				)
				response.ErrorWithStatus(c, http.StatusInternalServerError, response.CodeServerError, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// RateLimitMiddleware 按 IP + 路由限流
func RateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		if !limiter.Allow(c.Request.Context(), c.ClientIP()+":"+route) {
			metrics.RateLimitBlockTotal.WithLabelValues(route).Inc()
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			response.ErrorWithStatus(c, http.StatusTooManyRequests, response.CodeTooManyRequests, "请求过于频繁")
			return
		}
		c.Next()
	}
}
