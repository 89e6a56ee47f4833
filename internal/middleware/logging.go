// Package middleware 提供最小访问日志（结构化），不记录请求体、支付报文与任何明文凭据。
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"petstudio/internal/auth"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logAccess(r, sw.status, sw.bytes, time.Since(start))
	})
}

func logAccess(r *http.Request, status int, bytes int64, lat time.Duration) {
	var operator any
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		operator = p.Operator()
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	slog.Log(r.Context(), level, "access",
		"request_id", GetRequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"bytes", bytes,
		"latency_ms", lat.Milliseconds(),
		"operator", operator,
	)
}
