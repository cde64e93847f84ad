// Package antidetect 会话伪装: 指纹、请求头、人类节奏延迟与代理选择
package antidetect

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/healthstore"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/rs/zerolog"
)

// Options 管理器参数
type Options struct {
	// Profiles 指纹集合,为空时使用DefaultProfiles
	Profiles []models.Fingerprint

	// HealthFloor 代理候选的最低健康度
	HealthFloor float64

	// DelayScale 人类延迟缩放系数,0表示不等待
	DelayScale float64

	// Seed 随机种子,0表示按时间取种
	Seed int64

	Metrics *metrics.Recorder
}

// Manager 反检测管理器,并发安全
type Manager struct {
	store    healthstore.Store
	profiles []models.Fingerprint
	floor    float64
	scale    float64
	metrics  *metrics.Recorder
	logger   zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManager 创建管理器,store为nil时始终直连
func NewManager(store healthstore.Store, opts Options) *Manager {
	profiles := opts.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Manager{
		store:    store,
		profiles: profiles,
		floor:    opts.HealthFloor,
		scale:    opts.DelayScale,
		metrics:  opts.Metrics,
		logger:   utils.Component("antidetect"),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// BuildFingerprint 从指纹集合中均匀抽取一条
// 只在会话创建时调用,同一会话的所有请求使用同一指纹
func (m *Manager) BuildFingerprint() models.Fingerprint {
	m.mu.Lock()
	idx := m.rng.Intn(len(m.profiles))
	m.mu.Unlock()

	fp := m.profiles[idx]
	fp.Languages = append([]string(nil), fp.Languages...)
	return fp
}

// Headers 由指纹派生的默认请求头
func (m *Manager) Headers(fp models.Fingerprint) http.Header {
	return FingerprintHeaders(fp)
}

// FingerprintHeaders 由指纹派生的默认请求头
func FingerprintHeaders(fp models.Fingerprint) http.Header {
	h := make(http.Header)
	if fp.UserAgent != "" {
		h.Set("User-Agent", fp.UserAgent)
	}
	if al := fp.AcceptLanguage(); al != "" {
		h.Set("Accept-Language", al)
	}
	return h
}

// NextProxy 按健康度加权随机选择代理
// 没有候选或存储不可用时返回nil,调用方直连
func (m *Manager) NextProxy(ctx context.Context) *models.ProxyRecord {
	if m.store == nil {
		return nil
	}
	candidates, err := m.store.ProxyCandidates(ctx, m.floor)
	if err != nil {
		m.metrics.StoreError("proxy_candidates")
		m.logger.Warn().Err(err).Msg("读取代理候选失败,使用直连")
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	m.mu.Lock()
	idx := weightedPick(m.rng, candidates)
	m.mu.Unlock()

	picked := candidates[idx]
	return &picked
}

// weightedPick 按权重=健康度的轮盘选择,全部为0时均匀选择
func weightedPick(rng *rand.Rand, candidates []models.ProxyRecord) int {
	total := 0.0
	for _, c := range candidates {
		total += models.Clamp01(c.Health)
	}
	if total <= 0 {
		return rng.Intn(len(candidates))
	}

	r := rng.Float64() * total
	for i, c := range candidates {
		r -= models.Clamp01(c.Health)
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// RecordProxyResult 记录代理使用结果,存储故障只记录日志
func (m *Manager) RecordProxyResult(ctx context.Context, proxy *models.ProxyRecord, err error, latency time.Duration) {
	success := err == nil
	m.metrics.ProxyAttempt(success)
	if proxy == nil || m.store == nil {
		return
	}

	// 站点本身的问题不计入代理健康度
	if err != nil && !countsAgainstProxy(err) {
		return
	}

	rec, storeErr := m.store.RecordProxyResult(ctx, proxy.ID, success, latency)
	if storeErr != nil {
		m.metrics.StoreError("record_proxy")
		m.logger.Warn().Err(storeErr).Str("proxy", utils.RedactProxyURL(proxy.URL().String())).Msg("记录代理结果失败")
		return
	}
	if rec.InCooldown(time.Now()) {
		m.logger.Info().
			Str("proxy", proxy.ID).
			Float64("health", rec.Health).
			Time("cooldown_until", rec.CooldownUntil).
			Msg("代理健康度过低,进入冷却")
	}
}

// countsAgainstProxy 该错误是否说明代理不可用
// 导航失败、拦截、验证码无法解决都计入;提取不完整属于选择器问题
func countsAgainstProxy(err error) bool {
	switch {
	case errors.Is(err, models.ErrExtractionIncomplete):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// HumanDelay 抽取一次人类操作间隔
func (m *Manager) HumanDelay(short bool) time.Duration {
	profile := LongDelay
	if short {
		profile = ShortDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return profile.Sample(m.rng, m.scale)
}

// Sleep 等待一次人类操作间隔,上下文取消时提前返回
func (m *Manager) Sleep(ctx context.Context, short bool) error {
	d := m.HumanDelay(short)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StealthInitScript 返回会话的反检测注入脚本
func (m *Manager) StealthInitScript(fp models.Fingerprint) string {
	return StealthInitScript(fp)
}
