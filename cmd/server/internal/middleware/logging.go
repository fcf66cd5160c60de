package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/houzhh15/transcribex/pkg/logger"
)

// RequestIDKey 请求上下文中的 request_id 键
const RequestIDKey = "request_id"

// RequestLogger 写入结构化请求日志并注入 request_id
// 客户端提供的 X-Request-ID 会被沿用
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	log = logger.OrDefault(log)
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDKey, reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)

		c.Next()

		duration := time.Since(start)

		log.Info("http_request",
			"rid", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", duration.Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// RequestID 返回当前请求的 request_id
func RequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
