package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// 会话退役原因
const (
	RetireMaxRequests = "max_requests"
	RetireMaxAge      = "max_age"
	RetireCaptcha     = "captcha"
	RetireBlocked     = "blocked"
	RetireTimeout     = "timeout"
	RetireExtraction  = "extraction_incomplete"
	RetireError       = "error"
	RetireShutdown    = "shutdown"
)

// PoolConfig 会话池参数
type PoolConfig struct {
	Capacity       int
	AcquireTimeout time.Duration
	MaxRequests    int
	MaxAge         time.Duration
}

// DefaultPoolConfig 默认会话池参数
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:       4,
		AcquireTimeout: 30 * time.Second,
		MaxRequests:    25,
		MaxAge:         15 * time.Minute,
	}
}

// Disguiser 为新会话提供指纹和代理
type Disguiser interface {
	BuildFingerprint() models.Fingerprint
	NextProxy(ctx context.Context) *models.ProxyRecord
}

// ResourceGate 创建会话前的资源检查
type ResourceGate interface {
	CalculateMaxTabs() int
	CheckResourceAvailability() (canCreate bool, reason string)
}

// PoolDeps 会话池依赖
type PoolDeps struct {
	Factory  SessionFactory
	Disguise Disguiser
	Headers  models.HeaderProvider // 可选
	Monitor  ResourceGate          // 可选
	Metrics  *metrics.Recorder     // 可选
}

// PoolStats 会话池状态
type PoolStats struct {
	Capacity int   `json:"capacity"`
	InUse    int   `json:"in_use"`
	Idle     int   `json:"idle"`
	Created  int64 `json:"created"`
	Retired  int64 `json:"retired"`
}

// SessionPool 有界的浏览器会话池
// 职责: 限制并发会话数,复用空闲会话,按请求数和存活时间轮换会话
type SessionPool struct {
	cfg  PoolConfig
	deps PoolDeps

	// 借出令牌,长度即使用中的会话数
	slots chan struct{}

	mu      sync.Mutex
	idle    []*Session
	live    map[string]*Session
	notify  chan struct{} // 有会话归还或退役时关闭并重建
	closed  bool
	created int64
	retired int64

	logger zerolog.Logger
}

// NewSessionPool 创建会话池
// 容量取配置值与资源监控上限的较小值
func NewSessionPool(cfg PoolConfig, deps PoolDeps) (*SessionPool, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("会话工厂不能为空")
	}
	if deps.Disguise == nil {
		return nil, fmt.Errorf("指纹提供者不能为空")
	}

	defaults := DefaultPoolConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}

	logger := utils.Component("session_pool")
	if deps.Monitor != nil {
		if maxTabs := deps.Monitor.CalculateMaxTabs(); maxTabs > 0 && maxTabs < cfg.Capacity {
			logger.Warn().
				Int("configured", cfg.Capacity).
				Int("max_tabs", maxTabs).
				Msg("系统资源不足,下调会话池容量")
			cfg.Capacity = maxTabs
		}
	}

	return &SessionPool{
		cfg:    cfg,
		deps:   deps,
		slots:  make(chan struct{}, cfg.Capacity),
		live:   make(map[string]*Session),
		notify: make(chan struct{}),
		logger: logger,
	}, nil
}

// Capacity 会话池容量
func (p *SessionPool) Capacity() int {
	return p.cfg.Capacity
}

// Acquire 借出一个会话
// 等待超过AcquireTimeout返回ErrPoolExhausted
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("会话池已关闭")
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		p.deps.Metrics.PoolExhausted()
		return nil, fmt.Errorf("%w: 等待%v后仍无空闲会话", models.ErrPoolExhausted, p.cfg.AcquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.deps.Metrics.PoolInUse(len(p.slots))

	for {
		p.mu.Lock()
		released := p.notify
		p.mu.Unlock()

		if s := p.popIdle(); s != nil {
			s.checkout()
			return s, nil
		}

		canCreate, reason := true, ""
		if p.deps.Monitor != nil {
			canCreate, reason = p.deps.Monitor.CheckResourceAvailability()
		}
		// 没有其他会话在运行时,等待不会有结果,直接创建
		if canCreate || p.liveCount() == 0 {
			s, err := p.create(ctx)
			if err != nil {
				p.freeSlot()
				return nil, err
			}
			return s, nil
		}

		p.logger.Debug().Str("reason", reason).Msg("资源不足,等待空闲会话")
		if err := p.waitIdle(ctx, released, timer.C); err != nil {
			p.freeSlot()
			if errors.Is(err, models.ErrPoolExhausted) {
				p.deps.Metrics.PoolExhausted()
			}
			return nil, err
		}
	}
}

// Release 归还会话
// 达到请求上限或存活上限的会话直接退役;重复归还是空操作
func (p *SessionPool) Release(s *Session) {
	if s == nil || !s.checkin() {
		return
	}
	defer p.freeSlot()

	if s.Retired() {
		return
	}
	if reason := p.staleReason(s); reason != "" {
		p.retire(s, reason)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(s, RetireShutdown)
		return
	}
	p.idle = append(p.idle, s)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Retire 关闭会话并释放其借出令牌
// 退役后的会话不会再被借出
func (p *SessionPool) Retire(s *Session, reason string) {
	if s == nil {
		return
	}
	p.retire(s, reason)
	if s.checkin() {
		p.freeSlot()
	}
}

// Close 关闭所有会话
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		sessions = append(sessions, s)
	}
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := p.retire(s, RetireShutdown); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info().Int("sessions", len(sessions)).Msg("会话池已关闭")
	return errors.Join(errs...)
}

// Stats 会话池状态
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity: p.cfg.Capacity,
		InUse:    len(p.slots),
		Idle:     len(p.idle),
		Created:  p.created,
		Retired:  p.retired,
	}
}

// create 通过工厂创建新会话
func (p *SessionPool) create(ctx context.Context) (*Session, error) {
	fp := p.deps.Disguise.BuildFingerprint()
	proxy := p.deps.Disguise.NextProxy(ctx)

	spec := SessionSpec{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Proxy:       proxy,
	}
	if p.deps.Headers != nil {
		headers, err := p.deps.Headers.HeadersFor(fp)
		if err != nil {
			return nil, fmt.Errorf("生成会话头部失败: %w", err)
		}
		spec.Headers = headers
	}

	page, err := p.deps.Factory.Open(ctx, spec)
	if err != nil {
		proxyLabel := "direct"
		if proxy != nil {
			proxyLabel = utils.RedactProxyURL(proxy.URL().String())
		}
		p.logger.Warn().Err(err).Str("proxy", proxyLabel).Msg("创建会话失败")
		return nil, fmt.Errorf("%w: 创建会话失败: %w", models.ErrNavigationFailed, err)
	}

	s := &Session{
		ID:          spec.ID,
		Fingerprint: fp,
		Proxy:       proxy,
		CreatedAt:   time.Now(),
		Page:        page,
	}

	p.mu.Lock()
	p.live[s.ID] = s
	p.created++
	p.mu.Unlock()
	p.deps.Metrics.SessionCreated()

	p.logger.Debug().
		Str("session", s.ID).
		Str("fingerprint", fp.Name).
		Str("proxy", s.ProxyID()).
		Msg("创建新会话")
	return s, nil
}

// retire 关闭会话,只在首次调用时生效
func (p *SessionPool) retire(s *Session, reason string) error {
	if !s.markRetired() {
		return nil
	}

	p.mu.Lock()
	delete(p.live, s.ID)
	p.retired++
	p.broadcastLocked()
	p.mu.Unlock()
	p.deps.Metrics.SessionRetired(reason)

	var err error
	if s.Page != nil {
		if err = s.Page.Close(); err != nil {
			p.logger.Warn().Err(err).Str("session", s.ID).Msg("关闭会话页面失败")
		}
	}
	p.logger.Debug().Str("session", s.ID).Str("reason", reason).Int("requests", s.Requests()).Msg("会话退役")
	return err
}

// popIdle 取出一个可用的空闲会话,沿途退役过期会话
func (p *SessionPool) popIdle() *Session {
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return nil
		}
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if s.Retired() {
			continue
		}
		if reason := p.staleReason(s); reason != "" {
			p.retire(s, reason)
			continue
		}
		return s
	}
}

func (p *SessionPool) staleReason(s *Session) string {
	if p.cfg.MaxRequests > 0 && s.Requests() >= p.cfg.MaxRequests {
		return RetireMaxRequests
	}
	if p.cfg.MaxAge > 0 && s.Age() >= p.cfg.MaxAge {
		return RetireMaxAge
	}
	return ""
}

// waitIdle 等待有会话归还或退役
func (p *SessionPool) waitIdle(ctx context.Context, released <-chan struct{}, deadline <-chan time.Time) error {
	select {
	case <-released:
		return nil
	case <-deadline:
		return fmt.Errorf("%w: 资源不足且等待超时", models.ErrPoolExhausted)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastLocked 唤醒所有等待者,调用方持有p.mu
func (p *SessionPool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *SessionPool) freeSlot() {
	<-p.slots
	p.deps.Metrics.PoolInUse(len(p.slots))
}

func (p *SessionPool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
