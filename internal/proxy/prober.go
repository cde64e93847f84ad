package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/healthstore"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultProbeURL = "https://www.gstatic.com/generate_204"

// ProberConfig 探测参数
type ProberConfig struct {
	URL         string
	Timeout     time.Duration
	Concurrency int
	UserAgent   string
}

// ProbeResult 单个代理的探测结果
type ProbeResult struct {
	Proxy      models.ProxyRecord
	OK         bool
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Prober 通过每个代理请求探测地址,把结果写入健康存储
type Prober struct {
	config  ProberConfig
	store   healthstore.Store
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewProber 创建探测器,metrics可为nil
func NewProber(config ProberConfig, store healthstore.Store, rec *metrics.Recorder) *Prober {
	if config.URL == "" {
		config.URL = defaultProbeURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	return &Prober{
		config:  config,
		store:   store,
		metrics: rec,
		logger:  utils.Component("proxy_prober"),
	}
}

// Check 并发探测代理,结果按输入顺序返回
// 单个代理失败不影响其他代理;ctx取消时未开始的探测被跳过
func (p *Prober) Check(ctx context.Context, records []models.ProxyRecord) ([]ProbeResult, error) {
	results := make([]ProbeResult, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = p.probe(gctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (p *Prober) probe(ctx context.Context, rec models.ProxyRecord) ProbeResult {
	result := ProbeResult{Proxy: rec}
	if ctx.Err() != nil {
		result.Err = ctx.Err()
		return result
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	if p.config.UserAgent != "" {
		c.UserAgent = p.config.UserAgent
	}
	// 非2xx状态也交给OnResponse,由下面按状态码判定
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(p.config.Timeout)
	if err := c.SetProxy(rec.URL().String()); err != nil {
		result.Err = fmt.Errorf("设置代理失败: %w", err)
		return result
	}

	var once sync.Once
	c.OnResponse(func(r *colly.Response) {
		once.Do(func() { result.StatusCode = r.StatusCode })
	})
	c.OnError(func(r *colly.Response, err error) {
		once.Do(func() {
			if r != nil {
				result.StatusCode = r.StatusCode
			}
		})
	})

	start := time.Now()
	err := c.Visit(p.config.URL)
	result.Latency = time.Since(start)

	switch {
	case err != nil:
		result.Err = err
	case result.StatusCode >= 400:
		result.Err = fmt.Errorf("探测返回状态码 %d", result.StatusCode)
	default:
		result.OK = true
	}
	if result.Err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// 取消导致的失败不计入代理健康度
		return result
	}

	p.record(ctx, &result)
	return result
}

func (p *Prober) record(ctx context.Context, result *ProbeResult) {
	if p.metrics != nil {
		p.metrics.ProxyAttempt(result.OK)
	}
	if p.store == nil {
		return
	}

	updated, err := p.store.RecordProxyResult(context.WithoutCancel(ctx), result.Proxy.ID, result.OK, result.Latency)
	if err != nil {
		if p.metrics != nil {
			p.metrics.StoreError("record_proxy")
		}
		p.logger.Warn().Err(err).Str("proxy", result.Proxy.ID).Msg("记录探测结果失败")
		return
	}
	username, password := result.Proxy.Username, result.Proxy.Password
	result.Proxy = updated
	result.Proxy.Username, result.Proxy.Password = username, password

	event := p.logger.Debug()
	if !result.OK {
		event = p.logger.Info().Err(result.Err)
	}
	event.Str("proxy", result.Proxy.ID).
		Dur("latency", result.Latency).
		Float64("health", updated.Health).
		Msg("代理探测完成")
}

// Summarize 统计成功数,并返回成功在前、按延迟升序的结果
func Summarize(results []ProbeResult) (ok int, sorted []ProbeResult) {
	sorted = make([]ProbeResult, 0, len(results))
	for _, r := range results {
		if r.OK {
			ok++
		}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OK != sorted[j].OK {
			return sorted[i].OK
		}
		return sorted[i].Latency < sorted[j].Latency
	})
	return ok, sorted
}
