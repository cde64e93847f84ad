package utils

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"golang.org/x/net/http/httpguts"
)

// MaxHeaderValueLength 单个附加头部值的最大长度 (8KB)
const MaxHeaderValueLength = 8192

// HeaderClass 附加头部的归属
type HeaderClass int

const (
	// HeaderCustom 可以自由配置
	HeaderCustom HeaderClass = iota

	// HeaderBrowserManaged Chrome自行生成,通过setExtraHTTPHeaders设置会被拒绝或破坏请求
	HeaderBrowserManaged

	// HeaderFingerprintBound 由会话指纹决定,需与navigator.userAgent/languages/userAgentData一致
	HeaderFingerprintBound
)

var (
	browserManaged = map[string]bool{
		"Host":              true,
		"Content-Length":    true,
		"Transfer-Encoding": true,
		"Connection":        true,
		"Keep-Alive":        true,
		"Upgrade":           true,
		"Te":                true,
		"Trailer":           true,
		"Expect":            true,
		"Accept-Encoding":   true,
		"Cookie":            true,
	}
	browserManagedPrefixes = []string{"Proxy-", "Sec-Fetch-"}

	fingerprintBound = map[string]bool{
		"User-Agent":      true,
		"Accept-Language": true,
	}
	// Sec-CH-UA, Sec-CH-UA-Platform, Sec-CH-UA-Mobile ...
	fingerprintBoundPrefixes = []string{"Sec-Ch-Ua"}
)

// ClassifyHeader 判断头部由谁负责,名称不区分大小写
func ClassifyHeader(name string) HeaderClass {
	canonical := http.CanonicalHeaderKey(name)
	if browserManaged[canonical] || hasAnyPrefix(canonical, browserManagedPrefixes) {
		return HeaderBrowserManaged
	}
	if fingerprintBound[canonical] || hasAnyPrefix(canonical, fingerprintBoundPrefixes) {
		return HeaderFingerprintBound
	}
	return HeaderCustom
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// HeaderValidator 校验用户为浏览器会话配置的附加头部
// 名称和值的语法按RFC 7230 (httpguts),归属按ClassifyHeader
type HeaderValidator struct {
	maxValueLength int
}

// NewHeaderValidator 创建验证器
func NewHeaderValidator() *HeaderValidator {
	return &HeaderValidator{maxValueLength: MaxHeaderValueLength}
}

// ValidateName 名称必须是非空的token
func (hv *HeaderValidator) ValidateName(name string) error {
	if name == "" {
		return &models.ValidationError{
			Field:  "header.name",
			Reason: "头部名称不能为空",
		}
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return &models.ValidationError{
			Field:      "header.name",
			Value:      name,
			Reason:     "头部名称不是合法的token",
			Suggestion: "去掉空格、冒号和括号等分隔符",
		}
	}
	return nil
}

// ValidateValue 值不能含控制字符或换行
func (hv *HeaderValidator) ValidateValue(name, value string) error {
	if len(value) > hv.maxValueLength {
		return &models.ValidationError{
			Field:      "header.value",
			Value:      name,
			Reason:     fmt.Sprintf("头部值过长: %d 字节 (最大 %d)", len(value), hv.maxValueLength),
			Suggestion: fmt.Sprintf("将值缩短至 %d 字节以内", hv.maxValueLength),
		}
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return &models.ValidationError{
			Field:      "header.value",
			Value:      name,
			Reason:     "头部值包含控制字符或换行",
			Suggestion: "移除\\r、\\n和其他控制字符",
		}
	}
	return nil
}

// ValidateHeader 校验单个头部的语法和归属
func (hv *HeaderValidator) ValidateHeader(name, value string) error {
	if err := hv.ValidateName(name); err != nil {
		return err
	}

	switch ClassifyHeader(name) {
	case HeaderBrowserManaged:
		return &models.ValidationError{
			Field:      "header.name",
			Value:      name,
			Reason:     "此头部由浏览器生成,不能作为附加头部",
			Suggestion: fmt.Sprintf("移除 '%s'; Cookie请在站点会话中获取, 代理凭据写在代理列表中", name),
		}
	case HeaderFingerprintBound:
		return &models.ValidationError{
			Field:      "header.name",
			Value:      name,
			Reason:     "此头部由会话指纹决定,单独覆盖会与navigator属性不一致",
			Suggestion: "修改指纹配置而不是头部",
		}
	}

	return hv.ValidateValue(name, value)
}

// Validate 按名称排序校验全部头部,返回第一个错误
// 附加头部按名称下发,同名多值无法表达
func (hv *HeaderValidator) Validate(headers http.Header) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := headers[name]
		if len(values) > 1 {
			return &models.ValidationError{
				Field:      "header.value",
				Value:      name,
				Reason:     fmt.Sprintf("同一头部配置了%d个值", len(values)),
				Suggestion: "合并为一个以逗号分隔的值",
			}
		}
		for _, value := range values {
			if err := hv.ValidateHeader(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}
