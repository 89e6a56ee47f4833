// Package upstream 封装对外部服务的 HTTP 调用：构造目标 URL、注入鉴权、控制超时与禁止重定向，并对失败做分类。
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"petstudio/internal/security"
)

// 失败分类，与 AI 任务的 error_kind 取值一致。
const (
	KindTransient          = "transient"
	KindPermanent          = "permanent"
	KindPossiblyDispatched = "possibly_dispatched"
)

const defaultMaxResponseBytes = 64 << 20

type Options struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	// AllowPrivateFetch 允许 Fetch 访问内网地址。
	AllowPrivateFetch bool
	MaxResponseBytes  int64
	// Observe 在每次调用结束后回调，用于记录耗时指标。
	Observe func(target string, d time.Duration)
	// UserAgent 为空时使用 Go 默认值。
	UserAgent string
}

type Executor struct {
	client       *http.Client
	allowPrivate bool
	maxBytes     int64
	observe      func(target string, d time.Duration)
	userAgent    string
}

type Request struct {
	Method  string
	BaseURL string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    []byte
	// BearerKey 非空时注入 Authorization: Bearer。
	BearerKey string
	Timeout   time.Duration
	// Target 仅用于指标标签。
	Target string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Error 描述一次失败调用；Sent 表示请求已完整写出。
type Error struct {
	Kind       string
	StatusCode int
	Sent       bool
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("上游返回 %d（%s）", e.StatusCode, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("上游调用失败（%s）: %v", e.Kind, e.Err)
	}
	return "上游调用失败（" + e.Kind + "）"
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 返回错误分类；非 *Error 视为瞬时错误。
func KindOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

func NewExecutor(opts Options) *Executor {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 30 * time.Second
	}
	tlsTimeout := opts.TLSHandshakeTimeout
	if tlsTimeout <= 0 {
		tlsTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   tlsTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	return &Executor{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		allowPrivate: opts.AllowPrivateFetch,
		maxBytes:     maxBytes,
		observe:      opts.Observe,
		userAgent:    strings.TrimSpace(opts.UserAgent),
	}
}

// Do 发送请求并读取完整响应体。非 2xx 返回 *Error（Body 保留上游原文）。
func (e *Executor) Do(ctx context.Context, r Request) (Response, error) {
	base, err := security.ValidateBaseURL(r.BaseURL)
	if err != nil {
		return Response{}, &Error{Kind: KindPermanent, Err: err}
	}
	target, err := joinURL(base, r.Path, r.Query)
	if err != nil {
		return Response{}, &Error{Kind: KindPermanent, Err: err}
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var sent atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	})

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, &Error{Kind: KindPermanent, Err: fmt.Errorf("创建上游请求失败: %w", err)}
	}
	copyHeaders(req.Header, r.Header)
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(r.BearerKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(r.BearerKey))
	}
	if e.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	start := time.Now()
	defer func() {
		if e.observe != nil {
			e.observe(r.Target, time.Since(start))
		}
	}()

	resp, err := e.client.Do(req)
	if err != nil {
		return Response{}, classifyTransportError(err, sent.Load())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		// 请求已送达但响应读取中断：上游可能已经受理。
		return Response{}, &Error{Kind: KindPossiblyDispatched, Sent: true, StatusCode: 0, Err: fmt.Errorf("读取上游响应失败: %w", err)}
	}
	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &Error{Kind: ClassifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Sent: true, Body: raw}
	}
	return out, nil
}

// Fetch 下载服务商返回的产物地址（只允许 GET，拒绝内网地址）。
func (e *Executor) Fetch(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	u, err := security.ValidateFetchURL(rawURL, e.allowPrivate)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Err: err}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Err: err}
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	start := time.Now()
	defer func() {
		if e.observe != nil {
			e.observe("fetch", time.Since(start))
		}
	}()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ClassifyStatus(resp.StatusCode), StatusCode: resp.StatusCode, Sent: true}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("下载产物失败: %w", err)}
	}
	if len(raw) == 0 {
		return nil, &Error{Kind: KindTransient, Err: errors.New("产物为空")}
	}
	return raw, nil
}

// ClassifyStatus 把 HTTP 状态码映射为失败分类：5xx/429/408 可重试，其余 4xx 视为永久错误。
func ClassifyStatus(code int) string {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == http.StatusTooEarly:
		return KindTransient
	case code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

func classifyTransportError(err error, sent bool) *Error {
	if sent {
		return &Error{Kind: KindPossiblyDispatched, Sent: true, Err: err}
	}
	return &Error{Kind: KindTransient, Err: err}
}

func joinURL(base *url.URL, path string, query url.Values) (string, error) {
	joined := base.String()
	if strings.TrimSpace(path) != "" {
		var err error
		joined, err = url.JoinPath(base.String(), path)
		if err != nil {
			return "", fmt.Errorf("拼接上游 URL 失败: %w", err)
		}
	}
	u, err := url.Parse(joined)
	if err != nil {
		return "", fmt.Errorf("解析上游 URL 失败: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func copyHeaders(dst, src http.Header) {
	skip := map[string]struct{}{
		// Host/Content-Length 由 net/http 管理。
		"Host":           {},
		"Content-Length": {},
		"Cookie":         {},

		// RFC 7230 6.1 hop-by-hop 头。
		"Connection":          {},
		"Proxy-Connection":    {},
		"Keep-Alive":          {},
		"Proxy-Authenticate":  {},
		"Proxy-Authorization": {},
		"Te":                  {},
		"Trailer":             {},
		"Transfer-Encoding":   {},
		"Upgrade":             {},
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			skip[http.CanonicalHeaderKey(token)] = struct{}{}
		}
	}
	for k, vs := range src {
		if _, ok := skip[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
