package httpapi

import (
	"errors"
	"net/http"

	"sos-emergency/internal/apperr"
)

// Result 统一响应信封
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error'
// - result: 成功时为数据，失败时为 {"error_code": ...}
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

// ErrorDetail 失败时的稳定错误码
type ErrorDetail struct {
	ErrorCode string `json:"error_code"`
}

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// FailWithCode 带错误码的失败响应
func FailWithCode(code, message string) Result[ErrorDetail] {
	return Result[ErrorDetail]{Code: ResultError, Type: "error", Message: message, Result: ErrorDetail{ErrorCode: code}}
}

// statusFor 错误类别到 HTTP 状态码
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransientInfra:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError 按错误类别写出响应；基础设施错误不向调用方暴露细节
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if kind == apperr.KindTransientInfra {
		msg = "service temporarily unavailable"
	}
	writeJSON(w, statusFor(kind), FailWithCode(apperr.CodeOf(err), msg))
}
