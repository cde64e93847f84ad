package captcha

import (
	"context"
	"fmt"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/selector"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/rs/zerolog"
)

// Page 求解过程需要的页面操作,crawlers.Page 满足此接口
type Page interface {
	HTML(ctx context.Context) (string, error)
	Eval(ctx context.Context, js string, args ...interface{}) error
}

// injectTokenJS 把令牌写入各家的响应字段并触发控件回调
const injectTokenJS = `(token) => {
	const names = ['g-recaptcha-response', 'h-captcha-response', 'cf-turnstile-response'];
	for (const name of names) {
		document.querySelectorAll('textarea[name="' + name + '"], input[name="' + name + '"]').forEach((el) => {
			el.value = token;
			el.innerHTML = token;
		});
	}
	const widget = document.querySelector('[data-callback]');
	const callback = widget && widget.getAttribute('data-callback');
	if (callback && typeof window[callback] === 'function') {
		window[callback](token);
		return;
	}
	const form = document.querySelector('#challenge-form') || (widget && widget.closest('form'));
	if (form) {
		form.submit();
	}
}`

// Result 一次处理的结果
type Result struct {
	State     State
	Challenge *Challenge
	Token     string
	Trace     []State

	// Document 求解成功后重新读取的页面
	Document *selector.Document
}

// ResolverOptions 状态机参数
type ResolverOptions struct {
	// SolveTimeout 单次求解上限,0表示只受ctx约束
	SolveTimeout time.Duration

	// Settle 注入令牌后等待页面响应的时间
	Settle time.Duration

	Metrics *metrics.Recorder
}

// Resolver 验证码状态机
type Resolver struct {
	detector *Detector
	solver   Solver
	opts     ResolverOptions
	logger   zerolog.Logger
}

// NewResolver 创建状态机,solver为nil时使用NoSolver
func NewResolver(solver Solver, opts ResolverOptions) *Resolver {
	if solver == nil {
		solver = NoSolver{}
	}
	return &Resolver{
		detector: NewDetector(),
		solver:   solver,
		opts:     opts,
		logger:   utils.Component("captcha"),
	}
}

// Detector 返回使用的检测器
func (r *Resolver) Detector() *Detector {
	return r.detector
}

func (r *Resolver) enter(res *Result, s State) {
	res.State = s
	res.Trace = append(res.Trace, s)
	r.opts.Metrics.CaptchaState(s.String())
}

// Resolve 检测并尝试解决页面上的挑战
// 无法解决时返回的错误包装 models.ErrCaptchaUnsolvable
func (r *Resolver) Resolve(ctx context.Context, page Page, doc *selector.Document, pageURL string) (Result, error) {
	res := Result{Document: doc}

	ch := r.detector.Detect(doc, pageURL)
	if ch == nil {
		res.State = StateNone
		res.Trace = []State{StateNone}
		return res, nil
	}
	res.Challenge = ch
	r.enter(&res, StateDetected)

	log := r.logger.With().Str("url", pageURL).Str("provider", string(ch.Provider)).Logger()
	log.Info().Str("marker", ch.Marker).Msg("检测到验证码")

	r.enter(&res, StateSolving)
	token, err := r.solve(ctx, *ch)
	if err != nil {
		return r.unsolvable(&res, log, fmt.Errorf("求解失败: %w", err))
	}
	res.Token = token

	if err := page.Eval(ctx, injectTokenJS, token); err != nil {
		return r.unsolvable(&res, log, fmt.Errorf("注入令牌失败: %w", err))
	}
	if err := r.settle(ctx); err != nil {
		return r.unsolvable(&res, log, err)
	}

	raw, err := page.HTML(ctx)
	if err != nil {
		return r.unsolvable(&res, log, fmt.Errorf("重新读取页面失败: %w", err))
	}
	fresh, err := selector.ParseDocument(raw)
	if err != nil {
		return r.unsolvable(&res, log, err)
	}
	if again := r.detector.Detect(fresh, pageURL); again != nil {
		return r.unsolvable(&res, log, fmt.Errorf("注入令牌后挑战仍然存在 (%s)", again.Marker))
	}

	res.Document = fresh
	r.enter(&res, StateSolved)
	log.Info().Msg("验证码已解决")
	return res, nil
}

func (r *Resolver) solve(ctx context.Context, ch Challenge) (string, error) {
	if r.opts.SolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.SolveTimeout)
		defer cancel()
	}
	token, err := r.solver.Solve(ctx, ch)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("求解服务返回空令牌")
	}
	return token, nil
}

func (r *Resolver) settle(ctx context.Context) error {
	if r.opts.Settle <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.opts.Settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Resolver) unsolvable(res *Result, log zerolog.Logger, cause error) (Result, error) {
	r.enter(res, StateUnsolvable)
	log.Warn().Err(cause).Msg("验证码无法解决")
	return *res, fmt.Errorf("%w: %s: %w", models.ErrCaptchaUnsolvable, res.Challenge.Provider, cause)
}
