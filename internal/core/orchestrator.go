package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/captcha"
	"github.com/RecoveryAshes/eventharvest/internal/crawlers"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/selector"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/rs/zerolog"
)

// ProxyFeedback 代理结果反馈与人类延迟,antidetect.Manager 满足此接口
type ProxyFeedback interface {
	RecordProxyResult(ctx context.Context, proxy *models.ProxyRecord, err error, latency time.Duration)
	Sleep(ctx context.Context, short bool) error
}

// OrchestratorDeps 编排器依赖
type OrchestratorDeps struct {
	Pool     *crawlers.SessionPool
	Disguise ProxyFeedback
	Engine   *selector.Engine
	Resolver *captcha.Resolver
	Limiter  *SiteLimiter
	Metrics  *metrics.Recorder
}

// OrchestratorOptions 编排参数
type OrchestratorOptions struct {
	Navigation RetryPolicy // 同一会话上的导航重试
	Target     RetryPolicy // 验证码/拦截后换会话重试

	NavigationTimeout time.Duration
	FieldTimeout      time.Duration

	// CaptchaBudget 目标超时中为一次验证码求解预留的时间
	CaptchaBudget time.Duration
}

// OrchestratorOptionsFromConfig 从配置构造编排参数
func OrchestratorOptionsFromConfig(c *Config) OrchestratorOptions {
	opts := OrchestratorOptions{
		Navigation:        c.NavigationPolicy(),
		Target:            c.TargetPolicy(),
		NavigationTimeout: c.Crawl.NavigationTimeout,
		FieldTimeout:      c.Crawl.FieldTimeout,
	}
	if c.Captcha.Solver == "http" {
		opts.CaptchaBudget = c.Captcha.Timeout
	}
	return opts
}

// Orchestrator 单目标爬取的控制循环
type Orchestrator struct {
	deps   OrchestratorDeps
	opts   OrchestratorOptions
	logger zerolog.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions) (*Orchestrator, error) {
	if deps.Pool == nil || deps.Engine == nil || deps.Disguise == nil {
		return nil, fmt.Errorf("编排器缺少必要依赖")
	}
	if deps.Resolver == nil {
		deps.Resolver = captcha.NewResolver(nil, captcha.ResolverOptions{Metrics: deps.Metrics})
	}
	if deps.Limiter == nil {
		deps.Limiter = NewSiteLimiter(0, 1)
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: utils.Component("orchestrator"),
	}, nil
}

// TargetTimeout 单个目标的总超时
func (o *Orchestrator) TargetTimeout(fields int) time.Duration {
	return o.opts.NavigationTimeout + time.Duration(fields)*o.opts.FieldTimeout + o.opts.CaptchaBudget
}

// Crawl 爬取单个目标
// 不返回错误,所有失败都以类型化原因写入结果
func (o *Orchestrator) Crawl(ctx context.Context, target models.CrawlTarget) (outcome models.ExtractionOutcome) {
	outcome = models.NewOutcome(target)
	log := o.logger.With().Str("site", target.SiteID).Str("url", target.URL).Logger()

	defer func() {
		outcome.Duration = time.Since(outcome.StartedAt)
		o.deps.Metrics.TargetFinished(outcome.Status(), string(outcome.FailureReason))

		event := log.Info()
		if !outcome.Success {
			event = log.Warn().Str("reason", string(outcome.FailureReason)).Str("error", outcome.Error)
		}
		event.Str("status", outcome.Status()).
			Int("fields", len(outcome.Fields)).
			Strs("missing", outcome.Missing).
			Int("attempts", outcome.Attempts).
			Dur("duration", outcome.Duration).
			Msg("目标处理完成")
	}()

	if err := target.Validate(); err != nil {
		outcome.Fail(err)
		return outcome
	}

	run := &targetRun{
		orch:    o,
		target:  target,
		outcome: &outcome,
		budget:  o.TargetTimeout(len(target.Fields)),
		log:     log,
	}
	defer run.cancel()

	var fields map[string]models.FieldValue
	err := Retry(ctx, o.opts.Target, IsTargetRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Info().Int("attempt", attempt).Msg("换新会话重试")
		}
		f, err := run.attempt(ctx)
		if err != nil {
			return err
		}
		fields = f
		return nil
	})
	if err != nil {
		outcome.Fail(err)
		return outcome
	}

	outcome.Fields = fields
	outcome.Finalize()
	return outcome
}

// targetRun 一个目标的全部尝试
// 超时从第一次拿到会话开始计算,等待会话池和站点限速不计入
type targetRun struct {
	orch    *Orchestrator
	target  models.CrawlTarget
	outcome *models.ExtractionOutcome
	budget  time.Duration
	log     zerolog.Logger

	deadline time.Time
	cancels  []context.CancelFunc
}

func (r *targetRun) cancel() {
	for _, c := range r.cancels {
		c()
	}
}

// workContext 从首次调用开始计时的目标上下文
func (r *targetRun) workContext(parent context.Context) context.Context {
	if r.deadline.IsZero() {
		r.deadline = time.Now().Add(r.budget)
	}
	ctx, cancel := context.WithDeadline(parent, r.deadline)
	r.cancels = append(r.cancels, cancel)
	return ctx
}

// attempt 一次目标尝试: 借会话 → 导航 → 验证码 → 拦截检测 → 提取
func (r *targetRun) attempt(parent context.Context) (fields map[string]models.FieldValue, err error) {
	o := r.orch
	deps := o.deps

	if err := deps.Limiter.Wait(parent, r.target.SiteID); err != nil {
		return nil, err
	}

	s, err := deps.Pool.Acquire(parent)
	if err != nil {
		return nil, err
	}
	r.outcome.SessionID = s.ID
	r.outcome.ProxyID = s.ProxyID()
	log := r.log.With().Str("session", s.ID).Str("proxy", s.ProxyID()).Logger()

	ctx := r.workContext(parent)

	// 所有路径都归还或退役会话
	retireReason := ""
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("爬取过程panic: %v", rec)
			fields = nil
			retireReason = crawlers.RetireError
		}
		if err != nil && retireReason == "" {
			retireReason = crawlers.RetireError
		}
		if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if !errors.Is(err, models.ErrTargetTimeout) {
				err = fmt.Errorf("%w (%v): %w", models.ErrTargetTimeout, r.budget, err)
			}
			retireReason = crawlers.RetireTimeout
		}

		if retireReason != "" {
			log.Debug().Str("reason", retireReason).Msg("退役会话")
			deps.Pool.Retire(s, retireReason)
		} else {
			deps.Pool.Release(s)
		}
	}()

	nav, err := r.navigate(ctx, s, log)
	if err != nil {
		return nil, err
	}

	raw, err := s.Page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取页面失败: %w", models.ErrNavigationFailed, err)
	}
	doc, err := selector.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrNavigationFailed, err)
	}

	res, err := deps.Resolver.Resolve(ctx, s.Page, doc, nav.URL)
	if err != nil {
		retireReason = crawlers.RetireCaptcha
		deps.Disguise.RecordProxyResult(context.WithoutCancel(ctx), s.Proxy, err, 0)
		return nil, err
	}
	if res.State == captcha.StateSolved {
		// 质询页本身的状态码不再代表当前页面
		nav.StatusCode = 0
		nav.Title = ""
	}
	doc = res.Document

	if err := detectBlock(nav, doc); err != nil {
		retireReason = crawlers.RetireBlocked
		deps.Disguise.RecordProxyResult(context.WithoutCancel(ctx), s.Proxy, err, 0)
		log.Warn().Err(err).Msg("请求被拦截")
		return nil, err
	}

	if err := deps.Disguise.Sleep(ctx, true); err != nil {
		return nil, err
	}

	fields = deps.Engine.ExtractAll(ctx, doc, r.target, o.opts.FieldTimeout)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		retireReason = crawlers.RetireExtraction
	}
	return fields, nil
}

// navigate 带重试的导航,每次尝试都反馈代理结果
func (r *targetRun) navigate(ctx context.Context, s *crawlers.Session, log zerolog.Logger) (crawlers.NavResult, error) {
	var nav crawlers.NavResult
	err := Retry(ctx, r.orch.opts.Navigation, IsNavigationRetryable, func(ctx context.Context, attempt int) error {
		r.outcome.Attempts++
		start := time.Now()

		res, err := s.Navigate(ctx, r.target.URL)
		if err == nil {
			err = navigationError(res)
		}
		if err != nil && ctx.Err() == nil &&
			!errors.Is(err, models.ErrNavigationFailed) && !errors.Is(err, models.ErrSessionRetired) {
			err = fmt.Errorf("%w: %w", models.ErrNavigationFailed, err)
		}

		r.orch.deps.Disguise.RecordProxyResult(context.WithoutCancel(ctx), s.Proxy, err, time.Since(start))
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("导航失败")
			return err
		}
		nav = res
		return nil
	})
	return nav, err
}
