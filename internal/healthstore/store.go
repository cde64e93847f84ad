// Package healthstore 持久化代理与选择器的成败统计
//
// 三种后端共享同一套更新规则 (Policy):
//   - memory: 进程内存储,也是测试用的替身
//   - redis:  Lua脚本保证单条记录读改写的原子性
//   - sqlite: 单条UPSERT语句完成更新
//
// 后端的I/O错误统一包装为 models.ErrHealthStoreUnavailable,
// 调用方据此降级为内存默认值继续爬取。
package healthstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

// Store 健康存储
type Store interface {
	// ProxyCandidates 返回可用代理,按健康度降序
	ProxyCandidates(ctx context.Context, minHealth float64) ([]models.ProxyRecord, error)

	// RecordProxyResult 记录一次代理使用结果并返回更新后的记录
	// 未注册的代理会按ID自动创建
	RecordProxyResult(ctx context.Context, id string, success bool, latency time.Duration) (models.ProxyRecord, error)

	// SelectorCandidates 返回站点字段下已学习的模式,按置信度降序
	SelectorCandidates(ctx context.Context, site, field string) ([]models.SelectorPattern, error)

	// RecordSelectorResult 记录一次选择器尝试结果
	RecordSelectorResult(ctx context.Context, site, field string, pattern models.Pattern, success bool) (models.SelectorPattern, error)

	// RegisterProxies 注册代理,已存在的只更新凭据,不重置计数
	RegisterProxies(ctx context.Context, records []models.ProxyRecord) (int, error)

	// ListProxies 返回全部代理,按健康度降序
	ListProxies(ctx context.Context) ([]models.ProxyRecord, error)

	Close() error
}

// Policy 统计更新策略
type Policy struct {
	// Smoothing 置信度平滑常数 k: s/(s+f+k)
	Smoothing float64

	// HealthFloor 健康度低于此值时进入冷却
	HealthFloor float64

	// Cooldown 冷却时长
	Cooldown time.Duration

	// EWMAAlpha 健康度指数滑动平均系数
	EWMAAlpha float64

	// Now 时钟,测试时可替换
	Now func() time.Time
}

// DefaultPolicy 默认策略
func DefaultPolicy() Policy {
	return Policy{
		Smoothing:   1.0,
		HealthFloor: 0.2,
		Cooldown:    10 * time.Minute,
		EWMAAlpha:   0.3,
		Now:         time.Now,
	}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) alpha() float64 {
	if p.EWMAAlpha <= 0 || p.EWMAAlpha > 1 {
		return 0.3
	}
	return p.EWMAAlpha
}

// nextHealth 指数滑动平均: health ← α·outcome + (1−α)·health
func (p Policy) nextHealth(health float64, success bool) float64 {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	a := p.alpha()
	return models.Clamp01(a*outcome + (1-a)*health)
}

// cooldownUntil 健康度跌破下限时返回冷却截止时间,否则返回零值
func (p Policy) cooldownUntil(health float64, now time.Time) time.Time {
	if health < p.HealthFloor {
		return now.Add(p.Cooldown)
	}
	return time.Time{}
}

// applyProxyResult 对记录应用一次使用结果
func (p Policy) applyProxyResult(rec *models.ProxyRecord, success bool, latency time.Duration, now time.Time) {
	if success {
		rec.Successes++
	} else {
		rec.Failures++
	}
	rec.Health = p.nextHealth(rec.Health, success)
	rec.LastLatency = latency
	rec.LastUsed = now
	rec.CooldownUntil = p.cooldownUntil(rec.Health, now)
}

// eligible 代理是否可作为候选
// 冷却结束的代理即使健康度仍低于下限也可被选中(试用期),下一次结果决定去留
func (p Policy) eligible(rec models.ProxyRecord, minHealth float64, now time.Time) bool {
	if rec.Disabled || rec.InCooldown(now) {
		return false
	}
	if rec.Health >= minHealth {
		return true
	}
	return !rec.CooldownUntil.IsZero()
}

func (p Policy) confidence(s, f int64) float64 {
	return models.Confidence(s, f, p.Smoothing)
}

// filterCandidates 过滤并排序
func (p Policy) filterCandidates(records []models.ProxyRecord, minHealth float64) []models.ProxyRecord {
	now := p.now()
	out := make([]models.ProxyRecord, 0, len(records))
	for _, rec := range records {
		if p.eligible(rec, minHealth, now) {
			out = append(out, rec)
		}
	}
	sortProxies(out)
	return out
}

func sortProxies(records []models.ProxyRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Health != records[j].Health {
			return records[i].Health > records[j].Health
		}
		return records[i].ID < records[j].ID
	})
}

func sortSelectors(patterns []models.SelectorPattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Successes != b.Successes {
			return a.Successes > b.Successes
		}
		return a.Key() < b.Key()
	})
}

// unavailable 包装后端错误
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrHealthStoreUnavailable, op, err)
}

func validateSelectorArgs(site, field string, pattern models.Pattern) error {
	if site == "" || field == "" {
		return &models.ValidationError{Field: "selector", Value: site + "/" + field, Reason: "站点和字段不能为空"}
	}
	if pattern == nil {
		return &models.ValidationError{Field: "selector.pattern", Reason: "模式不能为空"}
	}
	return nil
}

// Options 后端选择与连接参数
type Options struct {
	Backend       string // memory | redis | sqlite
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	SQLitePath    string
	OpTimeout     time.Duration
}

// Open 按配置创建存储后端
func Open(ctx context.Context, opts Options, policy Policy) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(policy), nil
	case "redis":
		store, err := NewRedisStore(ctx, RedisOptions{
			Addr:      opts.RedisAddr,
			Password:  opts.RedisPassword,
			DB:        opts.RedisDB,
			KeyPrefix: opts.KeyPrefix,
			OpTimeout: opts.OpTimeout,
		}, policy)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := NewSQLiteStore(ctx, opts.SQLitePath, opts.OpTimeout, policy)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, &models.ValidationError{
			Field:      "health_store.backend",
			Value:      opts.Backend,
			Reason:     "不支持的存储后端",
			Suggestion: "使用 memory、redis 或 sqlite",
		}
	}
}

// withTimeout 为单次存储操作设置超时
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
