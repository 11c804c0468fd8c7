package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"guildwallet/pkg/errutil"
	"guildwallet/pkg/logger"
)

// AccessLog writes one line per request. 5xx responses are logged at error
// level with the underlying cause.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if guildID := c.Param("guild_id"); guildID != "" {
			fields = append(fields, zap.String("guild_id", guildID))
		}

		zapLog := logger.FromContext(c.Request.Context())
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.String("error_code", string(errutil.StatusOf(last.Err))))
			if c.Writer.Status() >= 500 {
				zapLog.Error("request failed", append(fields, zap.Error(last.Err))...)
				return
			}
		}
		zapLog.Info("request", fields...)
	}
}
