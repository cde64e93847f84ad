package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // 随机化系数, 0.3 表示 ±30%
}

// NavigationPolicy 导航重试策略
func (c *Config) NavigationPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.Retry.NavigationAttempts,
		InitialInterval: c.Retry.InitialBackoff,
		MaxInterval:     c.Retry.MaxBackoff,
		Multiplier:      c.Retry.Multiplier,
		Jitter:          c.Retry.Jitter,
	}
}

// TargetPolicy 目标级重试策略,验证码/拦截后换新会话重试
func (c *Config) TargetPolicy() RetryPolicy {
	p := c.NavigationPolicy()
	p.MaxAttempts = c.Retry.CaptchaAttempts
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	// 只按次数限制,总时长由调用方的ctx约束
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry 按策略重试op
// retryable返回false的错误立即停止;ctx结束时停止等待;返回最后一次的错误
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy.backOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// transientHints 可通过重试恢复的导航错误特征
var transientHints = []string{
	"timeout", "deadline exceeded", "net::err_", "connection reset", "connection refused",
	"eof", "navigation failed", "502", "503", "504", "target closed", "browser crashed",
}

// IsNavigationRetryable 导航错误是否值得在同一会话上重试
// 拦截、验证码和上下文取消不重试,交给目标级重试换新会话
func IsNavigationRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, models.ErrBlocked),
		errors.Is(err, models.ErrCaptchaUnsolvable),
		errors.Is(err, models.ErrSessionRetired),
		errors.Is(err, models.ErrPoolExhausted):
		return false
	case errors.Is(err, models.ErrNavigationFailed):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsTargetRetryable 目标级重试只处理换会话可能恢复的情况
func IsTargetRetryable(err error) bool {
	return errors.Is(err, models.ErrCaptchaUnsolvable) || errors.Is(err, models.ErrBlocked)
}
