package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GinMaxBytes 限制单个路由的请求体大小；n<=0 表示不限制。
func GinMaxBytes(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
