package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/simvault/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// RequestLoggingMiddleware emits one structured line per request with the
// correlation id the tracing middleware established.
func RequestLoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", correlation.ExtractCorrelationID(c.Request.Context())),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
