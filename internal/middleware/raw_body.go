package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

type Middleware func(http.Handler) http.Handler

// Chain 按书写顺序套用中间件：第一个最先执行。
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type rawBodyKey struct{}

// RawBody 读出完整请求体供支付回调验签使用，并把 r.Body 重置为同一份内容。
// 超过 limit 字节返回 413，验签前不做任何解析。
func RawBody(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			_ = r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, "请求体过大", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "读取请求体失败", http.StatusBadRequest)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, b))
			r.Body = io.NopCloser(bytes.NewReader(b))
			next.ServeHTTP(w, r)
		})
	}
}

// RawBodyFrom 返回 RawBody 保存的请求体；未经过 RawBody 时为 nil。
func RawBodyFrom(ctx context.Context) []byte {
	b, _ := ctx.Value(rawBodyKey{}).([]byte)
	return b
}
