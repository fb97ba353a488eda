package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meetnote/meetnote/pkg/logger"
)

// RequestIDKey is the gin context key carrying the per-request ID.
const RequestIDKey = "request_id"

// quietRoutes 高频轮询端点降为 debug，避免事件轮询刷屏
var quietRoutes = map[string]bool{
	"/healthz":    true,
	"/metrics":    true,
	"/api/events": true,
}

// RequestLogger tags every response with an X-Request-ID and writes one
// structured line per request. Meeting-scoped routes carry the meeting ID so
// one recording can be traced from start through stop to finalization; the
// event poll and the health/metrics scrapes log at debug to keep the log
// readable during a live session.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Set(RequestIDKey, reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)

		c.Next()

		attrs := []any{
			"rid", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"bytes", c.Writer.Size(),
			"client_ip", c.ClientIP(),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "meeting_id", id)
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.L().Error("http_request", attrs...)
		case quietRoutes[c.FullPath()]:
			logger.L().Debug("http_request", attrs...)
		default:
			logger.L().Info("http_request", attrs...)
		}
	}
}
