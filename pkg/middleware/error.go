package middleware

import (
	"github.com/gin-gonic/gin"

	"guildwallet/pkg/errutil"
)

// Error renders the last error attached by a handler as the errutil envelope.
// Errors that are not a BaseError are reported as INTERNAL without details.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		v := errutil.From(err.Err)
		c.JSON(v.Code.HTTPStatus(), v.JSON())
	}
}
