package core

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/crawlers"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/selector"
)

// 页面拦截关键词
var (
	blockedTitles = []string{
		"attention required",
		"access denied",
		"403 forbidden",
		"429 too many requests",
		"request blocked",
		"you have been blocked",
	}
	blockedHints = []string{
		"verify you are human",
		"access to this page has been denied",
		"checking your browser",
		"cf-browser-verification",
		"too many requests",
		"rate limited",
		"unusual traffic",
		"err_proxy",
		"proxy error",
	}
)

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

// detectBlock 判断页面是否被拦截,返回包装ErrBlocked的错误
// 验证码页面由captcha.Resolver先行处理,这里只看状态码和拦截文案
func detectBlock(nav crawlers.NavResult, doc *selector.Document) error {
	switch nav.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", models.ErrBlocked, nav.StatusCode)
	}

	title := strings.ToLower(nav.Title)
	if title == "" && doc != nil {
		title = strings.ToLower(doc.Title())
	}
	if kw, ok := containsAny(title, blockedTitles); ok {
		return fmt.Errorf("%w: 标题包含 %q", models.ErrBlocked, kw)
	}

	if doc == nil {
		return nil
	}
	text := strings.ToLower(doc.Text())
	// 正文很长时关键词多半出现在正常内容里
	if len(text) > 5000 {
		return nil
	}
	if kw, ok := containsAny(text, blockedHints); ok {
		return fmt.Errorf("%w: 页面包含 %q", models.ErrBlocked, kw)
	}
	return nil
}

// navigationError 将5xx等异常状态码转为导航错误
func navigationError(nav crawlers.NavResult) error {
	if nav.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", models.ErrNavigationFailed, nav.StatusCode)
	}
	return nil
}
