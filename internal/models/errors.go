package models

import (
	"context"
	"errors"
	"fmt"
)

// 爬取错误分类
var (
	ErrPoolExhausted          = errors.New("会话池耗尽")
	ErrNavigationFailed       = errors.New("页面导航失败")
	ErrCaptchaUnsolvable      = errors.New("验证码无法解决")
	ErrExtractionIncomplete   = errors.New("字段提取不完整")
	ErrHealthStoreUnavailable = errors.New("健康存储不可用")
	ErrBlocked                = errors.New("请求被目标站点拦截")
	ErrTargetTimeout          = errors.New("目标处理超时")
	ErrSessionRetired         = errors.New("会话已退役")
)

// FailureReason 输出给调用方的失败原因
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonPoolExhausted        FailureReason = "pool_exhausted"
	ReasonNavigationFailed     FailureReason = "navigation_failed"
	ReasonCaptchaUnsolvable    FailureReason = "captcha_unsolvable"
	ReasonExtractionIncomplete FailureReason = "extraction_incomplete"
	ReasonBlocked              FailureReason = "blocked"
	ReasonTimeout              FailureReason = "timeout"
	ReasonInvalidTarget        FailureReason = "invalid_target"
	ReasonInternal             FailureReason = "internal"
)

// ReasonOf 将错误映射为失败原因
func ReasonOf(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrPoolExhausted):
		return ReasonPoolExhausted
	case errors.Is(err, ErrTargetTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrCaptchaUnsolvable):
		return ReasonCaptchaUnsolvable
	case errors.Is(err, ErrBlocked):
		return ReasonBlocked
	case errors.Is(err, ErrNavigationFailed):
		return ReasonNavigationFailed
	case errors.Is(err, ErrExtractionIncomplete):
		return ReasonExtractionIncomplete
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return ReasonInvalidTarget
	}
	return ReasonInternal
}

// CrawlError 携带上下文的爬取错误
type CrawlError struct {
	Reason  FailureReason
	URL     string
	Attempt int
	Cause   error
}

// Error 实现error接口
func (e *CrawlError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("%s [%s] 第%d次尝试: %v", e.Reason, e.URL, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Reason, e.URL, e.Cause)
}

// Unwrap 支持errors.Is/As
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// ValidationError 输入校验错误
type ValidationError struct {
	// Field 出错的字段
	Field string

	// Value 出错的值 (可选)
	Value string

	// Reason 错误原因
	Reason string

	// Suggestion 修复建议 (可选)
	Suggestion string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("校验失败 [%s]: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg = fmt.Sprintf("校验失败 [%s=%q]: %s", e.Field, e.Value, e.Reason)
	}
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (建议: %s)", e.Suggestion)
	}
	return msg
}

// ConfigError 配置文件错误
type ConfigError struct {
	// FilePath 配置文件路径
	FilePath string

	// Line 出错的行号,0表示整个文件
	Line int

	// Cause 底层错误
	Cause error
}

// Error 实现error接口
func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("配置文件错误 [%s:%d]: %v", e.FilePath, e.Line, e.Cause)
	}
	return fmt.Sprintf("配置文件错误 [%s]: %v", e.FilePath, e.Cause)
}

// Unwrap 支持errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
