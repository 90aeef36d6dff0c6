package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 调用方相关错误
	ErrorTypeProviderUnavailable ErrorType = iota
	ErrorTypeInvalidInput

	// 账本查询相关错误
	ErrorTypeNotFound
	ErrorTypeTypeUndetermined
	ErrorTypeQueryFailed
	ErrorTypeBlockUnavailable

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeStorage
	ErrorTypeOutput
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeNotFound            = "NOT_FOUND"
	CodeTypeUndetermined    = "TYPE_UNDETERMINED"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeBlockUnavailable    = "BLOCK_UNAVAILABLE"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeStorageFailed       = "STORAGE_FAILED"
	CodeOutputFailed        = "OUTPUT_FAILED"
)

// NotaryError 自定义错误类型
type NotaryError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"-"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component,omitempty"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
}

// Error 实现error接口
func (e *NotaryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Detail())
}

// Detail 不带错误码的描述，供界面层展示
func (e *NotaryError) Detail() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 支持errors.Unwrap
func (e *NotaryError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrNotFound) 可用
func (e *NotaryError) Is(target error) bool {
	t, ok := target.(*NotaryError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *NotaryError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *NotaryError) WithContext(key string, value interface{}) *NotaryError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBlockNumber 添加区块号
func (e *NotaryError) WithBlockNumber(blockNumber uint64) *NotaryError {
	e.BlockNumber = &blockNumber
	return e
}

// WithComponent 标记出错组件
func (e *NotaryError) WithComponent(component string) *NotaryError {
	e.Component = component
	return e
}

// NewNotaryError 创建新的错误
func NewNotaryError(errorType ErrorType, severity ErrorSeverity, code, message string) *NotaryError {
	return &NotaryError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *NotaryError {
	e := NewNotaryError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeQueryFailed, ErrorTypeBlockUnavailable:
		return true
	case ErrorTypeOutput:
		return true
	default:
		return false
	}
}

// 哨兵错误，仅用于 errors.Is 比较，不要在其上调用 With* 方法
var (
	ErrProviderUnavailable = NewNotaryError(ErrorTypeProviderUnavailable, SeverityCritical, CodeProviderUnavailable, "账本客户端未初始化")
	ErrInvalidInput        = NewNotaryError(ErrorTypeInvalidInput, SeverityLow, CodeInvalidInput, "参数无效")
	ErrNotFound            = NewNotaryError(ErrorTypeNotFound, SeverityLow, CodeNotFound, "地址上没有部署合约")
	ErrTypeUndetermined    = NewNotaryError(ErrorTypeTypeUndetermined, SeverityMedium, CodeTypeUndetermined, "无法确定合约类型")
	ErrQueryFailed         = NewNotaryError(ErrorTypeQueryFailed, SeverityHigh, CodeQueryFailed, "账本查询失败")
	ErrBlockUnavailable    = NewNotaryError(ErrorTypeBlockUnavailable, SeverityHigh, CodeBlockUnavailable, "区块不可用")
	ErrConfigInvalid       = NewNotaryError(ErrorTypeConfig, SeverityCritical, CodeConfigInvalid, "配置无效")
	ErrStorageFailed       = NewNotaryError(ErrorTypeStorage, SeverityHigh, CodeStorageFailed, "存储操作失败")
	ErrOutputFailed        = NewNotaryError(ErrorTypeOutput, SeverityMedium, CodeOutputFailed, "结果输出失败")
)

// ProviderUnavailable 账本客户端为空
func ProviderUnavailable(component string) *NotaryError {
	return NewNotaryError(ErrorTypeProviderUnavailable, SeverityCritical, CodeProviderUnavailable, "账本客户端未初始化").
		WithComponent(component)
}

// InvalidInput 参数无效
func InvalidInput(format string, args ...interface{}) *NotaryError {
	return NewNotaryError(ErrorTypeInvalidInput, SeverityLow, CodeInvalidInput, fmt.Sprintf(format, args...))
}

// NotFound 地址没有合约代码
func NotFound(address string) *NotaryError {
	return NewNotaryError(ErrorTypeNotFound, SeverityLow, CodeNotFound, "地址上没有部署合约").
		WithContext("address", address)
}

// TypeUndetermined 所有家族都未命中
func TypeUndetermined(address string) *NotaryError {
	return NewNotaryError(ErrorTypeTypeUndetermined, SeverityMedium, CodeTypeUndetermined, "无法确定合约类型").
		WithContext("address", address)
}

// QueryFailed 事件查询失败，信息格式为 "Failed to fetch events: <cause>"
func QueryFailed(err error) *NotaryError {
	return WrapError(err, ErrorTypeQueryFailed, SeverityHigh, CodeQueryFailed, "Failed to fetch events")
}

// LedgerFailed 其他账本调用失败
func LedgerFailed(operation string, err error) *NotaryError {
	return WrapError(err, ErrorTypeQueryFailed, SeverityHigh, CodeQueryFailed, operation+"失败")
}

// BlockUnavailable 重试预算用尽后区块仍不可用
func BlockUnavailable(blockNumber uint64, attempts int) *NotaryError {
	return NewNotaryError(ErrorTypeBlockUnavailable, SeverityHigh, CodeBlockUnavailable,
		fmt.Sprintf("区块 %d 在 %d 次尝试后仍不可用", blockNumber, attempts)).
		WithBlockNumber(blockNumber)
}

// As 提取 NotaryError
func As(err error) (*NotaryError, bool) {
	var ne *NotaryError
	if stderrors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型的 NotaryError
func IsType(err error, errorType ErrorType) bool {
	ne, ok := As(err)
	return ok && ne.Type == errorType
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeProviderUnavailable: "ProviderUnavailable",
	ErrorTypeInvalidInput:        "InvalidInput",
	ErrorTypeNotFound:            "NotFound",
	ErrorTypeTypeUndetermined:    "TypeUndetermined",
	ErrorTypeQueryFailed:         "QueryFailed",
	ErrorTypeBlockUnavailable:    "BlockUnavailable",
	ErrorTypeConfig:              "Config",
	ErrorTypeStorage:             "Storage",
	ErrorTypeOutput:              "Output",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*NotaryError `json:"recent_errors"`
	LastError         *NotaryError   `json:"last_error,omitempty"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*NotaryError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *NotaryError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
