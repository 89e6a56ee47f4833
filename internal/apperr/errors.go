// Package apperr 定义对外可见的错误类别：HTTP 状态码与稳定 code 由类别决定，文案由调用方本地化。
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindDuplicateOperation Kind = "duplicate_operation"
	KindExternalTransient  Kind = "external_transient"
	KindExternalPermanent  Kind = "external_permanent"
	KindInternal           Kind = "internal"
)

// Error 携带类别、可选子类别（例如 insufficient_quota）与中文提示。
type Error struct {
	Kind    Kind
	SubKind string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Code 返回客户端可分支的稳定错误码。
func (e *Error) Code() string {
	if e.SubKind != "" {
		return e.SubKind
	}
	return string(e.Kind)
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func InvalidInput(msg string) *Error { return New(KindInvalidInput, msg) }

func NotFound(msg string) *Error { return New(KindNotFound, msg) }

func InvalidTransition(msg string) *Error { return New(KindInvalidTransition, msg) }

func InsufficientFunds(subKind, msg string) *Error {
	return &Error{Kind: KindInsufficientFunds, SubKind: subKind, Message: msg}
}

func Internal(msg string, err error) *Error { return Wrap(KindInternal, msg, err) }

// KindOf 返回 err 链上第一个 *Error 的类别；非 *Error 视为 internal。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusConflict
	case KindDuplicateOperation:
		return http.StatusOK
	case KindExternalTransient:
		return http.StatusServiceUnavailable
	case KindExternalPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Describe 拆出 HTTP 响应需要的三元组：状态码、code、文案。内部错误不透出细节。
func Describe(err error) (int, string, string) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, string(KindInternal), "服务器内部错误"
	}
	msg := e.Message
	if e.Kind == KindInternal || msg == "" {
		msg = "服务器内部错误"
	}
	return HTTPStatus(e.Kind), e.Code(), msg
}
