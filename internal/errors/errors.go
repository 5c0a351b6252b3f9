package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 是系统内统一的错误码。
type Code string

// Severity 描述错误的严重程度，决定审计日志的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown                Code = "UNKNOWN"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidPayload         Code = "INVALID_PAYLOAD"
	CodeUnknownSchema          Code = "UNKNOWN_SCHEMA"
	CodeSignatureMismatch      Code = "SIGNATURE_MISMATCH"
	CodePaymentRequired        Code = "PAYMENT_REQUIRED"
	CodeInitializationFailure  Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure         Code = "STORAGE_FAILURE"
	CodeTransportFailure       Code = "TRANSPORT_FAILURE"
	CodeInterpreterUnavailable Code = "INTERPRETER_UNAVAILABLE"
	CodeTimeout                Code = "TIMEOUT"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	HTTPStatus int
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:                {"unknown error", SeverityCritical, false, http.StatusInternalServerError},
		CodeInvalidArgument:        {"invalid argument", SeverityInfo, false, http.StatusBadRequest},
		CodeNotFound:               {"resource not found", SeverityInfo, false, http.StatusNotFound},
		CodeInvalidPayload:         {"invalid message payload", SeverityInfo, false, http.StatusBadRequest},
		CodeUnknownSchema:          {"no handler for message schema", SeverityWarning, false, http.StatusNotFound},
		CodeSignatureMismatch:      {"envelope signature does not match sender", SeverityWarning, false, http.StatusUnauthorized},
		CodePaymentRequired:        {"payment required", SeverityInfo, false, http.StatusPaymentRequired},
		CodeInitializationFailure:  {"service not initialized", SeverityWarning, true, http.StatusServiceUnavailable},
		CodeStorageFailure:         {"storage failure", SeverityCritical, true, http.StatusInternalServerError},
		CodeTransportFailure:       {"transport failure", SeverityCritical, true, http.StatusBadGateway},
		CodeInterpreterUnavailable: {"interpreter unavailable", SeverityWarning, true, http.StatusServiceUnavailable},
		CodeTimeout:                {"operation timed out", SeverityWarning, true, http.StatusGatewayTimeout},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 链中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// HTTPStatus 返回错误对应的 HTTP 状态码。
func HTTPStatus(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}
