package crawlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/antidetect"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// ErrBrowserCrashed 浏览器连接已断开
var ErrBrowserCrashed = errors.New("浏览器崩溃")

// RodConfig 浏览器启动参数
type RodConfig struct {
	Bin              string
	Headless         bool
	NoSandbox        bool
	IgnoreCertErrors bool
	BlockedURLs      []string
	PageTimeout      time.Duration // 单个CDP步骤的超时
}

// RodFactory 基于go-rod的会话工厂
// 一个工厂对应一个浏览器进程,每个会话是独立的浏览器上下文(独立cookie和代理)
type RodFactory struct {
	config RodConfig

	mu      sync.Mutex
	browser *rod.Browser

	logger zerolog.Logger
}

// NewRodFactory 创建工厂,浏览器在首次Open时启动
func NewRodFactory(config RodConfig) *RodFactory {
	if config.PageTimeout <= 0 {
		config.PageTimeout = 60 * time.Second
	}
	return &RodFactory{
		config: config,
		logger: utils.Component("rod"),
	}
}

// launchBrowser 启动浏览器并建立连接
func (f *RodFactory) launchBrowser() (*rod.Browser, error) {
	l := launcher.New().
		Headless(f.config.Headless).
		NoSandbox(f.config.NoSandbox).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-blink-features", "AutomationControlled")
	if f.config.Bin != "" {
		l = l.Bin(f.config.Bin)
	}
	if f.config.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
		f.logger.Warn().Msg("浏览器已配置为跳过HTTPS证书验证")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	f.logger.Debug().Str("control_url", controlURL).Msg("浏览器已启动")
	return browser, nil
}

// ensureBrowser 返回当前浏览器,未启动时启动
func (f *RodFactory) ensureBrowser() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}
	browser, err := f.launchBrowser()
	if err != nil {
		return nil, err
	}
	f.browser = browser
	return browser, nil
}

// relaunch 丢弃已断开的浏览器,下次ensureBrowser时重新启动
func (f *RodFactory) relaunch(dead *rod.Browser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser != dead {
		return
	}
	_ = dead.Close()
	f.browser = nil
	f.logger.Warn().Msg("浏览器连接已断开,准备重启")
}

// Open 打开一个新的浏览器上下文并按指纹配置页面
// 浏览器连接断开时重启一次
func (f *RodFactory) Open(ctx context.Context, spec SessionSpec) (Page, error) {
	page, err := f.open(ctx, spec)
	if err == nil || !errors.Is(err, ErrBrowserCrashed) || ctx.Err() != nil {
		return page, err
	}
	return f.open(ctx, spec)
}

func (f *RodFactory) open(ctx context.Context, spec SessionSpec) (page Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: 创建会话panic: %v", ErrBrowserCrashed, r)
		}
	}()

	browser, err := f.ensureBrowser()
	if err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, f.config.PageTimeout)
	defer cancel()
	b := browser.Context(stepCtx)

	bctx := proto.TargetCreateBrowserContext{DisposeOnDetach: true}
	if spec.Proxy != nil {
		bctx.ProxyServer = chromeProxyServer(*spec.Proxy)
	}
	res, err := bctx.Call(b)
	if err != nil {
		if stepCtx.Err() == nil {
			f.relaunch(browser)
			return nil, fmt.Errorf("%w: 创建浏览器上下文失败: %w", ErrBrowserCrashed, err)
		}
		return nil, fmt.Errorf("创建浏览器上下文失败: %w", err)
	}

	target, err := proto.TargetCreateTarget{URL: "about:blank", BrowserContextID: res.BrowserContextID}.Call(b)
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: res.BrowserContextID}.Call(browser)
		return nil, fmt.Errorf("创建标签页失败: %w", err)
	}
	p, err := browser.PageFromTarget(target.TargetID)
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: res.BrowserContextID}.Call(browser)
		return nil, fmt.Errorf("连接标签页失败: %w", err)
	}

	eventCtx, stopEvents := context.WithCancel(context.Background())
	rp := &rodPage{
		browser:    browser,
		page:       p,
		events:     p.Context(eventCtx),
		stopEvents: stopEvents,
		contextID:  res.BrowserContextID,
		timeout:    f.config.PageTimeout,
		logger:     f.logger.With().Str("session", spec.ID).Logger(),
	}
	if err := rp.setup(stepCtx, spec, f.config.BlockedURLs); err != nil {
		_ = rp.Close()
		return nil, err
	}
	return rp, nil
}

// Close 关闭浏览器
func (f *RodFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	f.logger.Debug().Msg("浏览器已关闭")
	return err
}

// chromeProxyServer Chrome只识别socks5,凭据通过认证事件提供
func chromeProxyServer(p models.ProxyRecord) string {
	if p.Scheme == "socks5h" {
		p.Scheme = "socks5"
	}
	return p.Server()
}

// rodPage Page的go-rod实现
type rodPage struct {
	browser   *rod.Browser
	page      *rod.Page
	contextID proto.BrowserBrowserContextID
	timeout   time.Duration

	// 事件订阅使用独立上下文,Close时取消
	events     *rod.Page
	stopEvents context.CancelFunc
	listeners  sync.WaitGroup

	// 主文档最近一次响应的状态码
	docStatus atomic.Int64

	closeOnce sync.Once
	logger    zerolog.Logger
}

// setup 按指纹设置UA、语言、时区、视口,注入反检测脚本
func (rp *rodPage) setup(ctx context.Context, spec SessionSpec, blocked []string) error {
	p := rp.page.Context(ctx)
	fp := spec.Fingerprint

	headers := spec.Headers
	if headers == nil {
		headers = antidetect.FingerprintHeaders(fp)
	}
	userAgent := headers.Get("User-Agent")
	if userAgent == "" {
		userAgent = fp.UserAgent
	}
	acceptLanguage := headers.Get("Accept-Language")
	if acceptLanguage == "" {
		acceptLanguage = fp.AcceptLanguage()
	}

	if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: acceptLanguage,
		Platform:       fp.Platform,
	}); err != nil {
		return fmt.Errorf("设置User-Agent失败: %w", err)
	}
	if fp.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: strings.ReplaceAll(fp.Locale, "-", "_")}).Call(p); err != nil {
			rp.logger.Debug().Err(err).Msg("设置语言区域失败")
		}
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(p); err != nil {
			return fmt.Errorf("设置时区失败: %w", err)
		}
	}
	if fp.Viewport.Width > 0 && fp.Viewport.Height > 0 {
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.Viewport.Width,
			Height:            fp.Viewport.Height,
			DeviceScaleFactor: fp.Viewport.DeviceScaleFactor,
		}); err != nil {
			return fmt.Errorf("设置视口失败: %w", err)
		}
	}

	if _, err := p.EvalOnNewDocument(antidetect.StealthInitScript(fp)); err != nil {
		return fmt.Errorf("注入反检测脚本失败: %w", err)
	}

	if extra := extraHeaderPairs(headers); len(extra) > 0 {
		if _, err := p.SetExtraHeaders(extra); err != nil {
			return fmt.Errorf("设置附加头部失败: %w", err)
		}
	}

	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		return fmt.Errorf("启用网络域失败: %w", err)
	}
	if len(blocked) > 0 {
		if err := (proto.NetworkSetBlockedURLs{Urls: blocked}).Call(p); err != nil {
			rp.logger.Debug().Err(err).Msg("设置资源屏蔽列表失败")
		}
	}

	// 记录主文档状态码
	rp.listen(rp.events.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == rp.page.FrameID {
			rp.docStatus.Store(int64(e.Response.Status))
		}
	}))

	if spec.Proxy != nil && spec.Proxy.Username != "" {
		if err := rp.handleProxyAuth(p, spec.Proxy.Username, spec.Proxy.Password); err != nil {
			return err
		}
	}
	return nil
}

// handleProxyAuth 只拦截认证请求,普通请求立即放行
func (rp *rodPage) handleProxyAuth(p *rod.Page, username, password string) error {
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(p); err != nil {
		return fmt.Errorf("启用代理认证失败: %w", err)
	}

	page := rp.page
	rp.listen(rp.events.EachEvent(func(e *proto.FetchRequestPaused) {
		_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
	}, func(e *proto.FetchAuthRequired) {
		_ = proto.FetchContinueWithAuth{
			RequestID: e.RequestID,
			AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
				Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
				Username: username,
				Password: password,
			},
		}.Call(page)
	}))
	return nil
}

// listen 在后台运行事件循环,直到stopListeners取消订阅
func (rp *rodPage) listen(wait func()) {
	rp.listeners.Add(1)
	go func() {
		defer rp.listeners.Done()
		wait()
	}()
}

// stopListeners 取消全部事件订阅并等待事件循环退出
func (rp *rodPage) stopListeners() {
	if rp.stopEvents != nil {
		rp.stopEvents()
	}
	rp.listeners.Wait()
}

// extraHeaderPairs 指纹决定的头部已通过仿真设置,浏览器生成的头部不能覆盖,其余作为附加头部
func extraHeaderPairs(h http.Header) []string {
	var pairs []string
	for name, values := range h {
		if len(values) == 0 || utils.ClassifyHeader(name) != utils.HeaderCustom {
			continue
		}
		pairs = append(pairs, name, values[0])
	}
	return pairs
}

// Navigate 导航并等待load事件
func (rp *rodPage) Navigate(ctx context.Context, url string) (result NavResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: 导航panic: %v", ErrBrowserCrashed, r)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()
	p := rp.page.Context(stepCtx)

	rp.docStatus.Store(0)
	if err := p.Navigate(url); err != nil {
		return NavResult{}, err
	}
	if err := p.WaitLoad(); err != nil {
		return NavResult{}, fmt.Errorf("等待页面加载失败: %w", err)
	}

	result.StatusCode = int(rp.docStatus.Load())
	if info, err := p.Info(); err == nil {
		result.URL = info.URL
		result.Title = info.Title
	} else {
		result.URL = url
	}
	return result, nil
}

// HTML 当前文档的完整HTML
func (rp *rodPage) HTML(ctx context.Context) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: 读取HTML panic: %v", ErrBrowserCrashed, r)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()
	return rp.page.Context(stepCtx).HTML()
}

// Eval 执行一段JS函数表达式
func (rp *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: 执行脚本panic: %v", ErrBrowserCrashed, r)
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()
	_, err = rp.page.Context(stepCtx).Evaluate(rod.Eval(js, args...))
	return err
}

// Close 关闭页面并销毁浏览器上下文
func (rp *rodPage) Close() error {
	var err error
	rp.closeOnce.Do(func() {
		rp.stopListeners()
		if closeErr := rp.page.Close(); closeErr != nil {
			rp.logger.Debug().Err(closeErr).Msg("关闭标签页失败")
		}
		err = proto.TargetDisposeBrowserContext{BrowserContextID: rp.contextID}.Call(rp.browser)
	})
	return err
}
