// Package captcha 验证码检测与求解
//
// Detector 基于页面标记识别挑战类型,Solver 为可注入的求解服务,
// Resolver 驱动 None → Detected → Solving → Solved | Unsolvable 状态机。
// 无法解决的挑战返回 models.ErrCaptchaUnsolvable,调用方必须退役当前会话。
package captcha

import (
	"net/url"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/selector"
)

// Provider 挑战提供方
type Provider string

const (
	ProviderRecaptcha  Provider = "recaptcha"
	ProviderHCaptcha   Provider = "hcaptcha"
	ProviderTurnstile  Provider = "turnstile"
	ProviderCloudflare Provider = "cloudflare_challenge"
	ProviderUnknown    Provider = "unknown"
)

// Challenge 检测到的挑战
type Challenge struct {
	Provider Provider `json:"provider"`
	SiteKey  string   `json:"site_key,omitempty"`
	PageURL  string   `json:"page_url"`
	Marker   string   `json:"marker"` // 命中的选择器
}

type marker struct {
	selector string
	provider Provider
	outside  string // 位于该容器内的匹配不算命中
}

// 隐形reCAPTCHA只渲染右下角徽标,不需要交互
const (
	visibleSiteKey = `[data-sitekey]:not([data-size="invisible"])`
	recaptchaBadge = `.grecaptcha-badge`
)

// defaultMarkers 按优先级排列,先命中者决定提供方
var defaultMarkers = []marker{
	{selector: `.g-recaptcha:not([data-size="invisible"])`, provider: ProviderRecaptcha},
	{selector: `iframe[src*="google.com/recaptcha"]:not([src*="size=invisible"])`, provider: ProviderRecaptcha, outside: recaptchaBadge},
	{selector: `iframe[src*="recaptcha.net/recaptcha"]:not([src*="size=invisible"])`, provider: ProviderRecaptcha, outside: recaptchaBadge},
	{selector: `.h-captcha`, provider: ProviderHCaptcha},
	{selector: `iframe[src*="hcaptcha.com"]`, provider: ProviderHCaptcha},
	{selector: `.cf-turnstile`, provider: ProviderTurnstile},
	{selector: `iframe[src*="challenges.cloudflare.com"]`, provider: ProviderTurnstile},
	{selector: `#challenge-form`, provider: ProviderCloudflare},
	{selector: `#challenge-running`, provider: ProviderCloudflare},
	{selector: `#challenge-stage`, provider: ProviderCloudflare},
	{selector: `#cf-challenge-running`, provider: ProviderCloudflare},
	{selector: visibleSiteKey, provider: ProviderUnknown, outside: recaptchaBadge},
}

// Detector 验证码标记检测器
type Detector struct {
	markers []marker
}

// NewDetector 使用内置标记创建检测器
func NewDetector() *Detector {
	return &Detector{markers: defaultMarkers}
}

// Detect 检测页面是否包含挑战,没有挑战时返回nil
func (d *Detector) Detect(doc *selector.Document, pageURL string) *Challenge {
	if doc == nil {
		return nil
	}
	for _, m := range d.markers {
		if !doc.HasOutside(m.selector, m.outside) {
			continue
		}
		ch := &Challenge{
			Provider: m.provider,
			PageURL:  pageURL,
			Marker:   m.selector,
			SiteKey:  siteKey(doc),
		}
		if ch.Provider == ProviderUnknown {
			ch.Provider = inferProvider(doc)
		}
		return ch
	}
	return nil
}

// siteKey 优先取data-sitekey,其次取挑战iframe地址中的k/sitekey参数
func siteKey(doc *selector.Document) string {
	if key, ok := doc.Attr(visibleSiteKey, "data-sitekey"); ok && key != "" {
		return key
	}
	for _, sel := range []string{`iframe[src*="recaptcha"]:not([src*="size=invisible"])`, `iframe[src*="hcaptcha.com"]`, `iframe[src*="challenges.cloudflare.com"]`} {
		src, ok := doc.Attr(sel, "src")
		if !ok {
			continue
		}
		u, err := url.Parse(src)
		if err != nil {
			continue
		}
		if k := u.Query().Get("k"); k != "" {
			return k
		}
		if k := u.Query().Get("sitekey"); k != "" {
			return k
		}
		// hcaptcha把参数放在fragment里
		if frag, err := url.ParseQuery(u.Fragment); err == nil && frag.Get("sitekey") != "" {
			return frag.Get("sitekey")
		}
	}
	return ""
}

// inferProvider 只有data-sitekey时,根据页面脚本推断提供方
func inferProvider(doc *selector.Document) Provider {
	switch {
	case doc.Has(`script[src*="hcaptcha.com"]`):
		return ProviderHCaptcha
	case doc.Has(`script[src*="challenges.cloudflare.com"]`):
		return ProviderTurnstile
	case doc.Has(`script[src*="recaptcha"]`):
		return ProviderRecaptcha
	}
	if title := strings.ToLower(doc.Title()); strings.Contains(title, "just a moment") {
		return ProviderCloudflare
	}
	return ProviderUnknown
}
