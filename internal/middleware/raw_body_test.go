package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRawBody_KeepsBodyReadableAfterCaching(t *testing.T) {
	var cached, read string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cached = string(RawBodyFrom(r.Context()))
		b, _ := io.ReadAll(r.Body)
		read = string(b)
		w.WriteHeader(http.StatusOK)
	}), RawBody(64))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/pay/notify", strings.NewReader("<xml>sign</xml>")))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if cached != "<xml>sign</xml>" || read != cached {
		t.Fatalf("cached=%q read=%q", cached, read)
	}
}

func TestRawBody_RejectsOversizedBody(t *testing.T) {
	called := false
	h := RawBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/pay/notify", strings.NewReader("0123456789")))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d want 413", rr.Code)
	}
	if called {
		t.Fatalf("handler must not run for oversized body")
	}
}

func TestRawBodyFrom_WithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	if b := RawBodyFrom(r.Context()); b != nil {
		t.Fatalf("expected nil, got %q", b)
	}
}
