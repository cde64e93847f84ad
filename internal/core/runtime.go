package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/antidetect"
	"github.com/RecoveryAshes/eventharvest/internal/captcha"
	"github.com/RecoveryAshes/eventharvest/internal/crawlers"
	"github.com/RecoveryAshes/eventharvest/internal/healthstore"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/proxy"
	"github.com/RecoveryAshes/eventharvest/internal/selector"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
)

// Runtime 一次运行所需的全部组件
type Runtime struct {
	Config       *Config
	Store        healthstore.Store
	Metrics      *metrics.Recorder
	Disguise     *antidetect.Manager
	Headers      *HeaderManager
	Monitor      *crawlers.ResourceMonitor
	Factory      *crawlers.RodFactory
	Pool         *crawlers.SessionPool
	Engine       *selector.Engine
	Orchestrator *Orchestrator
}

// HealthPolicy 健康存储更新策略
func (c *Config) HealthPolicy() healthstore.Policy {
	policy := healthstore.DefaultPolicy()
	policy.Smoothing = c.Selector.Smoothing
	policy.HealthFloor = c.Proxy.HealthFloor
	policy.Cooldown = c.Proxy.Cooldown
	policy.EWMAAlpha = c.Proxy.EWMAAlpha
	return policy
}

// OpenStore 打开配置的健康存储
// 后端不可用时降级为内存存储,爬取照常进行但统计不持久
func OpenStore(ctx context.Context, c *Config) healthstore.Store {
	opts := healthstore.Options{
		Backend:       c.HealthStore.Backend,
		RedisAddr:     c.HealthStore.RedisAddr,
		RedisPassword: c.HealthStore.RedisPassword,
		RedisDB:       c.HealthStore.RedisDB,
		KeyPrefix:     c.HealthStore.KeyPrefix,
		SQLitePath:    c.HealthStore.SQLitePath,
		OpTimeout:     c.HealthStore.OpTimeout,
	}
	store, err := healthstore.Open(ctx, opts, c.HealthPolicy())
	if err != nil {
		utils.Warnf("健康存储 [%s] 不可用,降级为内存存储: %v", opts.Backend, err)
		return healthstore.NewMemoryStore(c.HealthPolicy())
	}
	return store
}

// NewSolver 按配置创建验证码求解服务
func NewSolver(c CaptchaConfig) captcha.Solver {
	if c.Solver != "http" {
		return captcha.NoSolver{}
	}
	return captcha.NewHTTPSolver(captcha.HTTPSolverConfig{
		Endpoint:     c.Endpoint,
		APIKey:       c.APIKey,
		Timeout:      c.Timeout,
		PollInterval: c.PollInterval,
	})
}

// NewProber 按配置创建代理探测器
// 探测请求使用第一个指纹的UA
func NewProber(c *Config, store healthstore.Store, rec *metrics.Recorder) *proxy.Prober {
	return proxy.NewProber(proxy.ProberConfig{
		URL:         c.Proxy.ProbeURL,
		Timeout:     c.Proxy.ProbeTimeout,
		Concurrency: c.Proxy.ProbeConcurrency,
		UserAgent:   antidetect.DefaultProfiles[0].UserAgent,
	}, store, rec)
}

// NewEngine 按配置创建选择器引擎
func NewEngine(c *Config, store healthstore.Store, rec *metrics.Recorder) (*selector.Engine, error) {
	seeds := selector.DefaultSeeds()
	if c.Selector.SeedsFile != "" {
		loaded, err := selector.LoadSeedsFile(c.Selector.SeedsFile)
		if err != nil {
			return nil, err
		}
		seeds = loaded
	}
	return selector.NewEngine(store, selector.Options{
		MinTrials:       c.Selector.MinTrials,
		ConfidenceFloor: c.Selector.ConfidenceFloor,
		Smoothing:       c.Selector.Smoothing,
		Seeds:           seeds,
		Metrics:         rec,
	}), nil
}

// NewRuntime 按配置组装全部组件
// 浏览器在第一个会话创建时才启动
func NewRuntime(ctx context.Context, c *Config, cliHeaders []string) (*Runtime, error) {
	rt := &Runtime{Config: c, Metrics: metrics.NewRecorder()}

	headers, err := NewHeaderManager(c.Headers.File, c.Headers.Extra, cliHeaders)
	if err != nil {
		return nil, err
	}
	if err := headers.LoadConfig(); err != nil {
		return nil, err
	}
	if err := headers.Validate(); err != nil {
		return nil, err
	}
	rt.Headers = headers

	rt.Store = OpenStore(ctx, c)
	if c.Proxy.ListFile != "" {
		// 代理文件有误不影响爬取,直连即可
		if _, _, err := proxy.Import(ctx, rt.Store, c.Proxy.ListFile); err != nil {
			utils.Warnf("导入代理列表失败: %v", err)
		}
	}

	rt.Disguise = antidetect.NewManager(rt.Store, antidetect.Options{
		HealthFloor: c.Proxy.HealthFloor,
		DelayScale:  c.Crawl.DelayScale,
		Metrics:     rt.Metrics,
	})

	rt.Monitor = crawlers.NewResourceMonitor(crawlers.ResourceMonitorConfig{
		SafetyReserveMemory: c.Pool.SafetyReserveMemory,
		SafetyThreshold:     c.Pool.SafetyThreshold,
		CPULoadThreshold:    c.Pool.CPULoadThreshold,
		MaxTabsLimit:        c.Pool.MaxTabsLimit,
	})
	rt.Monitor.StartMonitoring(5 * time.Second)

	rt.Factory = crawlers.NewRodFactory(crawlers.RodConfig{
		Bin:              c.Browser.Bin,
		Headless:         c.Browser.Headless,
		NoSandbox:        c.Browser.NoSandbox,
		IgnoreCertErrors: c.Browser.IgnoreCertErrors,
		BlockedURLs:      c.Browser.BlockedURLs,
		PageTimeout:      c.Browser.PageTimeout,
	})

	rt.Pool, err = crawlers.NewSessionPool(crawlers.PoolConfig{
		Capacity:       c.Pool.Capacity,
		AcquireTimeout: c.Pool.AcquireTimeout,
		MaxRequests:    c.Pool.MaxRequests,
		MaxAge:         c.Pool.MaxAge,
	}, crawlers.PoolDeps{
		Factory:  rt.Factory,
		Disguise: rt.Disguise,
		Headers:  headers,
		Monitor:  rt.Monitor,
		Metrics:  rt.Metrics,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Engine, err = NewEngine(c, rt.Store, rt.Metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}

	resolver := captcha.NewResolver(NewSolver(c.Captcha), captcha.ResolverOptions{
		SolveTimeout: c.Captcha.Timeout,
		Settle:       2 * time.Second,
		Metrics:      rt.Metrics,
	})

	rt.Orchestrator, err = NewOrchestrator(OrchestratorDeps{
		Pool:     rt.Pool,
		Disguise: rt.Disguise,
		Engine:   rt.Engine,
		Resolver: resolver,
		Limiter:  NewSiteLimiter(c.Crawl.SiteRate, c.Crawl.SiteBurst),
		Metrics:  rt.Metrics,
	}, OrchestratorOptionsFromConfig(c))
	if err != nil {
		rt.Close()
		return nil, err
	}

	utils.Infof("运行时已就绪: 会话池容量%d, 健康存储%s, 验证码求解%s",
		rt.Pool.Capacity(), c.HealthStore.Backend, c.Captcha.Solver)
	return rt, nil
}

// Concurrency 批量并发数,不超过会话池实际容量
func (rt *Runtime) Concurrency() int {
	n := rt.Config.Concurrency()
	if rt.Pool != nil && rt.Pool.Capacity() < n {
		n = rt.Pool.Capacity()
	}
	return n
}

// Close 按依赖逆序关闭组件
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Pool != nil {
		if err := rt.Pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭会话池: %w", err))
		}
	}
	if rt.Factory != nil {
		if err := rt.Factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭浏览器: %w", err))
		}
	}
	if rt.Monitor != nil {
		rt.Monitor.StopMonitoring()
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭健康存储: %w", err))
		}
	}
	return errors.Join(errs...)
}
