package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger pslog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		logger.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
		)
	}
}
