package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"petstudio/internal/apperr"
	"petstudio/internal/middleware"
)

func wrapHTTP(h http.Handler) gin.HandlerFunc {
	if h == nil {
		return func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		}
	}

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func wrapHTTPFunc(f http.HandlerFunc) gin.HandlerFunc {
	if f == nil {
		return wrapHTTP(nil)
	}
	return wrapHTTP(f)
}

func apiChain() gin.HandlerFunc {
	return middleware.Gin()
}

// respondError 按 apperr 的类别返回状态码与稳定 code；DuplicateOperation 视为成功。
func respondError(c *gin.Context, err error) {
	status, code, msg := apperr.Describe(err)
	if apperr.Is(err, apperr.KindDuplicateOperation) {
		c.JSON(http.StatusOK, gin.H{"success": true, "code": code, "message": msg})
		return
	}
	if status >= http.StatusInternalServerError {
		slog.Error("请求处理失败", "request_id", middleware.GetRequestID(c.Request.Context()), "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, gin.H{"success": false, "code": code, "message": msg})
}

func respondInvalid(c *gin.Context, msg string) {
	respondError(c, apperr.InvalidInput(msg))
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": data})
}

func paramInt64(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	if err != nil || n <= 0 {
		return def
	}
	if n > 200 {
		return 200
	}
	return n
}

// parseAmount 解析人民币金额（最多两位小数，不能为负）。
func parseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, errors.New("金额为空")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("金额格式不合法")
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("金额不能为负数")
	}
	if d.Exponent() < -2 {
		return decimal.Zero, errors.New("金额最多两位小数")
	}
	return d, nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
