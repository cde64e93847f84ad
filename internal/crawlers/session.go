package crawlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

// NavResult 一次导航的结果
type NavResult struct {
	StatusCode int    // 主文档HTTP状态码,未捕获到时为0
	URL        string // 重定向后的最终地址
	Title      string
}

// Page 会话持有的浏览器页面
// 生产实现基于go-rod,测试使用内存替身
type Page interface {
	Navigate(ctx context.Context, url string) (NavResult, error)
	HTML(ctx context.Context) (string, error)
	Eval(ctx context.Context, js string, args ...interface{}) error
	Close() error
}

// SessionSpec 创建会话所需的参数
type SessionSpec struct {
	ID          string
	Fingerprint models.Fingerprint
	Proxy       *models.ProxyRecord // nil表示直连
	Headers     http.Header
}

// SessionFactory 按参数打开一个隔离的浏览器上下文
type SessionFactory interface {
	Open(ctx context.Context, spec SessionSpec) (Page, error)
}

// Session 浏览器会话
// 指纹和代理在创建时确定,会话内不再变化
type Session struct {
	ID          string
	Fingerprint models.Fingerprint
	Proxy       *models.ProxyRecord
	CreatedAt   time.Time
	Page        Page

	mu       sync.Mutex
	requests int
	retired  bool
	released bool // 本次借出是否已归还
}

// Touch 记录一次请求
func (s *Session) Touch() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// Requests 已处理的请求数
func (s *Session) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Retired 会话是否已退役
func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// Age 会话存活时长
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// ProxyID 代理标识,直连时为空
func (s *Session) ProxyID() string {
	if s.Proxy == nil {
		return ""
	}
	return s.Proxy.ID
}

// Navigate 导航并计数,会话已退役时拒绝使用
func (s *Session) Navigate(ctx context.Context, url string) (NavResult, error) {
	if s.Retired() {
		return NavResult{}, models.ErrSessionRetired
	}
	s.Touch()
	return s.Page.Navigate(ctx, url)
}

// markRetired 标记退役,返回是否是首次标记
func (s *Session) markRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.retired = true
	return true
}

// checkout 借出时重置归还标记
func (s *Session) checkout() {
	s.mu.Lock()
	s.released = false
	s.mu.Unlock()
}

// checkin 归还,返回是否是本次借出的首次归还
func (s *Session) checkin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	return true
}
