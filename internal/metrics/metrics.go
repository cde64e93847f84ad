// Package metrics 爬取引擎的运行计数
//
// Recorder 同时维护两份计数: 进程内的原子计数(供测试和CLI摘要读取)
// 以及注册在独立Registry上的Prometheus指标(供serve模式导出)。
// 所有方法对nil接收者安全,组件可以不注入Recorder。
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventharvest"

// Snapshot 计数快照
type Snapshot struct {
	ProxyOK         int64            `json:"proxy_ok"`
	ProxyFail       int64            `json:"proxy_fail"`
	SelectorOK      int64            `json:"selector_ok"`
	SelectorFail    int64            `json:"selector_fail"`
	SessionsCreated int64            `json:"sessions_created"`
	SessionsRetired map[string]int64 `json:"sessions_retired"`
	Targets         map[string]int64 `json:"targets"`         // 按状态
	FailureReasons  map[string]int64 `json:"failure_reasons"` // 按失败原因
	CaptchaStates   map[string]int64 `json:"captcha_states"`
	StoreErrors     int64            `json:"store_errors"`
	PoolExhausted   int64            `json:"pool_exhausted"`
}

// Recorder 计数器
type Recorder struct {
	proxyOK, proxyFail       atomic.Int64
	selectorOK, selectorFail atomic.Int64
	sessionsCreated          atomic.Int64
	storeErrors              atomic.Int64
	poolExhausted            atomic.Int64

	mu            sync.Mutex
	retired       map[string]int64
	targets       map[string]int64
	reasons       map[string]int64
	captchaStates map[string]int64

	registry         *prometheus.Registry
	proxyAttempts    *prometheus.CounterVec
	selectorAttempts *prometheus.CounterVec
	targetsTotal     *prometheus.CounterVec
	captchaTotal     *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	storeErrorTotal  *prometheus.CounterVec
	poolInUse        prometheus.Gauge
}

// NewRecorder 创建计数器并注册Prometheus指标
func NewRecorder() *Recorder {
	r := &Recorder{
		retired:       make(map[string]int64),
		targets:       make(map[string]int64),
		reasons:       make(map[string]int64),
		captchaStates: make(map[string]int64),
		registry:      prometheus.NewRegistry(),
		proxyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_attempts_total",
			Help:      "Proxy usage results by outcome.",
		}, []string{"result"}),
		selectorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_attempts_total",
			Help:      "Selector extraction attempts by field and outcome.",
		}, []string{"field", "result"}),
		targetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Finished crawl targets by status and failure reason.",
		}, []string{"status", "reason"}),
		captchaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_transitions_total",
			Help:      "Captcha state machine transitions by state.",
		}, []string{"state"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Browser session lifecycle events.",
		}, []string{"event", "reason"}),
		storeErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_store_errors_total",
			Help:      "Health store operations that failed and were degraded.",
		}, []string{"op"}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_sessions_in_use",
			Help:      "Browser sessions currently checked out of the pool.",
		}),
	}

	r.registry.MustRegister(
		r.proxyAttempts,
		r.selectorAttempts,
		r.targetsTotal,
		r.captchaTotal,
		r.sessionsTotal,
		r.storeErrorTotal,
		r.poolInUse,
		collectors.NewGoCollector(),
	)
	return r
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// ProxyAttempt 记录一次代理使用结果
func (r *Recorder) ProxyAttempt(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.proxyOK.Add(1)
	} else {
		r.proxyFail.Add(1)
	}
	r.proxyAttempts.WithLabelValues(result(ok)).Inc()
}

// SelectorAttempt 记录一次选择器尝试
func (r *Recorder) SelectorAttempt(field string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.selectorOK.Add(1)
	} else {
		r.selectorFail.Add(1)
	}
	r.selectorAttempts.WithLabelValues(field, result(ok)).Inc()
}

// TargetFinished 记录目标结束状态
func (r *Recorder) TargetFinished(status, reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.targets[status]++
	if reason != "" {
		r.reasons[reason]++
	}
	r.mu.Unlock()
	r.targetsTotal.WithLabelValues(status, reason).Inc()
}

// CaptchaState 记录验证码状态迁移
func (r *Recorder) CaptchaState(state string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.captchaStates[state]++
	r.mu.Unlock()
	r.captchaTotal.WithLabelValues(state).Inc()
}

// SessionCreated 记录会话创建
func (r *Recorder) SessionCreated() {
	if r == nil {
		return
	}
	r.sessionsCreated.Add(1)
	r.sessionsTotal.WithLabelValues("created", "").Inc()
}

// SessionRetired 记录会话退役
func (r *Recorder) SessionRetired(reason string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.retired[reason]++
	r.mu.Unlock()
	r.sessionsTotal.WithLabelValues("retired", reason).Inc()
}

// PoolExhausted 记录获取会话超时
func (r *Recorder) PoolExhausted() {
	if r == nil {
		return
	}
	r.poolExhausted.Add(1)
	r.sessionsTotal.WithLabelValues("exhausted", "").Inc()
}

// PoolInUse 更新在用会话数
func (r *Recorder) PoolInUse(n int) {
	if r == nil {
		return
	}
	r.poolInUse.Set(float64(n))
}

// StoreError 记录健康存储降级
func (r *Recorder) StoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.Add(1)
	r.storeErrorTotal.WithLabelValues(op).Inc()
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot 返回当前计数
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ProxyOK:         r.proxyOK.Load(),
		ProxyFail:       r.proxyFail.Load(),
		SelectorOK:      r.selectorOK.Load(),
		SelectorFail:    r.selectorFail.Load(),
		SessionsCreated: r.sessionsCreated.Load(),
		SessionsRetired: copyMap(r.retired),
		Targets:         copyMap(r.targets),
		FailureReasons:  copyMap(r.reasons),
		CaptchaStates:   copyMap(r.captchaStates),
		StoreErrors:     r.storeErrors.Load(),
		PoolExhausted:   r.poolExhausted.Load(),
	}
}

// Registry 返回Prometheus注册表
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回/metrics处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
