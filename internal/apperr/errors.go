// Package apperr 定义对外可见的错误分类及稳定错误码。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindTransientInfra
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransientInfra:
		return "transient_infra"
	}
	return "unknown"
}

// 稳定错误码
const (
	CodeInvalidArgument       = "invalid_argument"
	CodeInvalidLocation       = "invalid_location"
	CodeInvalidCountdown      = "invalid_countdown"
	CodeInvalidEmergencyType  = "invalid_emergency_type"
	CodeInvalidStatus         = "invalid_status"
	CodeMissingContactChannel = "missing_contact_channel"
	CodeOpenEmergencyExists   = "open_emergency_exists"
	CodeInvalidTransition     = "invalid_transition"
	CodeEmergencyNotActive    = "emergency_not_active"
	CodeEmergencyNotFound     = "emergency_not_found"
	CodeStoreUnavailable      = "store_unavailable"
)

// Error 带类别和错误码的业务错误
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation 参数校验失败，未发生任何写入
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Conflict 状态不允许该操作，或违反唯一性约束
func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

// NotFound 事件不存在
func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// Transient 存储等基础设施暂时不可用
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransientInfra, Code: CodeStoreUnavailable, Message: msg, Err: err}
}

// KindOf 返回错误类别；非 *Error 视为基础设施错误
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientInfra
}

// CodeOf 返回稳定错误码
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreUnavailable
}

// Is 判断错误类别
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
