// Package errors 定义统一错误码
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeInvalidParam   Code = "INVALID_PARAM"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"

	// 校验类（用户/库存/订单状态前置条件）
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeProductNotFound     Code = "PRODUCT_NOT_FOUND"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeOrderNotFound       Code = "ORDER_NOT_FOUND"
	CodeOrderNotCancellable Code = "ORDER_NOT_CANCELLABLE"

	// 并发冲突（条件更新影响 0 行，可重试）
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"

	// 外部服务（支付网关）
	CodePaymentDeclined Code = "PAYMENT_DECLINED"
	CodeExternalService Code = "EXTERNAL_SERVICE"

	// 持久层故障
	CodePersistence Code = "PERSISTENCE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误并附加错误码
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error())
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf 提取错误的业务错误码，非业务错误归为 INTERNAL
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

// AsError 提取业务错误，必要时用给定错误码包装
func AsError(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Wrap(fallback, err)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeConcurrencyConflict, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeValidationFailed,
		CodeInsufficientStock, CodeOrderNotCancellable:
		return http.StatusBadRequest
	case CodeNotFound, CodeOrderNotFound, CodeUserNotFound, CodeProductNotFound:
		return http.StatusNotFound
	case CodeConcurrencyConflict:
		return http.StatusConflict
	case CodePaymentDeclined:
		return http.StatusPaymentRequired
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeInternal, CodeUnknown, CodePersistence:
		return http.StatusInternalServerError
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUserNotFound    = New(CodeUserNotFound, "user not found")
	ErrOrderNotFound   = New(CodeOrderNotFound, "order not found")
	ErrPaymentDeclined = New(CodePaymentDeclined, "payment declined")
)
