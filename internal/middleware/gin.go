package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Gin 是 RequestID + AccessLog 的 gin 版本：状态码与字节数取自 gin 的 ResponseWriter。
func Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := incomingRequestID(c.Request)
		c.Header(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), rid))

		start := time.Now()
		c.Next()

		size := int64(c.Writer.Size())
		if size < 0 {
			size = 0
		}
		logAccess(c.Request, c.Writer.Status(), size, time.Since(start))
	}
}
