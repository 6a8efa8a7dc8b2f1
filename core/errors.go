package core

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrorKind 网关错误分类
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration_error"
	KindValidation         ErrorKind = "validation_error"
	KindRateLimitExhausted ErrorKind = "rate_limit_exhausted"
	KindUpstreamRejected   ErrorKind = "upstream_rejected"
)

// UpstreamRejected 的细分原因
const (
	ReasonSafety        = "safety"
	ReasonEmptyResponse = "empty_response"
	ReasonNoImage       = "no_image"
	ReasonUpstream      = "upstream"
)

// 哨兵错误，errors.Is 按 Kind 匹配
var (
	ErrConfiguration      = &GatewayError{Kind: KindConfiguration}
	ErrValidation         = &GatewayError{Kind: KindValidation}
	ErrRateLimitExhausted = &GatewayError{Kind: KindRateLimitExhausted}
	ErrUpstreamRejected   = &GatewayError{Kind: KindUpstreamRejected}
)

// GatewayError 网关返回给调用方的终态错误
type GatewayError struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，使 errors.Is(err, ErrRateLimitExhausted) 可用
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus 错误分类到 HTTP 状态码的映射
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimitExhausted:
		return http.StatusTooManyRequests
	case KindUpstreamRejected:
		if e.Reason == ReasonSafety || e.Reason == ReasonNoImage {
			return http.StatusBadRequest
		}
		var apiErr *googleapi.Error
		if errors.As(e.Err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func NewConfigurationError(msg string) *GatewayError {
	return &GatewayError{Kind: KindConfiguration, Message: msg}
}

func NewValidationError(msg string) *GatewayError {
	return &GatewayError{Kind: KindValidation, Message: msg}
}

func NewRateLimitExhausted(attempts int, last error) *GatewayError {
	return &GatewayError{
		Kind:    KindRateLimitExhausted,
		Message: fmt.Sprintf("all %d credentials are rate limited", attempts),
		Err:     last,
	}
}

func NewUpstreamRejected(reason, msg string, err error) *GatewayError {
	return &GatewayError{Kind: KindUpstreamRejected, Reason: reason, Message: msg, Err: err}
}

// AsGatewayError 提取 GatewayError，非网关错误统一归为 UpstreamRejected
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewUpstreamRejected(ReasonUpstream, "", err)
}
