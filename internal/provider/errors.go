package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind 为外部调用失败的统一分类，是否重试只看这里。
type Kind string

const (
	KindTransient    Kind = "transient"
	KindRejected     Kind = "rejected"
	KindFatal        Kind = "fatal"
	KindRiskRejected Kind = "risk_rejected"
	KindNoRoute      Kind = "no_route_available"
)

// ErrBreakerOpen 表示熔断器打开，调用未发出。
var ErrBreakerOpen = errors.New("provider: circuit breaker open")

// Error 是适配层返回的已分类错误。
type Error struct {
	Provider  string
	Kind      Kind
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	prefix := e.Provider
	if prefix == "" {
		prefix = "provider"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", prefix, e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", prefix, e.Message, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(provider string, kind Kind, msg string, cause error) *Error {
	return &Error{
		Provider:  provider,
		Kind:      kind,
		Retryable: kind == KindTransient,
		Message:   msg,
		Err:       cause,
	}
}

// Transient 网络、超时、限流等可重试错误。
func Transient(provider, msg string, cause error) *Error {
	return newError(provider, KindTransient, msg, cause)
}

// Rejected 提供方拒绝了请求，输入不变时重试无意义。
func Rejected(provider, msg string, cause error) *Error {
	return newError(provider, KindRejected, msg, cause)
}

// Fatal 配置或鉴权问题，需要运维介入。
func Fatal(provider, msg string, cause error) *Error {
	return newError(provider, KindFatal, msg, cause)
}

// NoRoute 所有报价均不可用。
func NoRoute(msg string) *Error {
	return newError("router", KindNoRoute, msg, nil)
}

// BreakerOpen 熔断期间快速失败，按 Transient 处理。
func BreakerOpen(provider string) *Error {
	return Transient(provider, "circuit open", ErrBreakerOpen)
}

// KindOf 返回错误分类。未分类的错误视为 Fatal，适配层有义务提前分类。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable 判断错误是否允许重试。
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// StepError 记录跨链转账失败的步骤（从1开始）及已完成步骤数。
type StepError struct {
	Step      int
	Completed int
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d failed after %d completed: %v", e.Step, e.Completed, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
