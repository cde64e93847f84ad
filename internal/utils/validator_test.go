package utils

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

func TestClassifyHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   HeaderClass
	}{
		{"自定义头部", "Referer", HeaderCustom},
		{"自定义X头部", "X-Requested-With", HeaderCustom},
		{"浏览器管理-Host", "Host", HeaderBrowserManaged},
		{"浏览器管理-小写", "content-length", HeaderBrowserManaged},
		{"浏览器管理-Cookie", "Cookie", HeaderBrowserManaged},
		{"浏览器管理-Accept-Encoding", "Accept-Encoding", HeaderBrowserManaged},
		{"浏览器管理-Proxy前缀", "Proxy-Authorization", HeaderBrowserManaged},
		{"浏览器管理-Sec-Fetch前缀", "Sec-Fetch-Site", HeaderBrowserManaged},
		{"指纹决定-User-Agent", "user-agent", HeaderFingerprintBound},
		{"指纹决定-Accept-Language", "Accept-Language", HeaderFingerprintBound},
		{"指纹决定-客户端提示", "Sec-CH-UA", HeaderFingerprintBound},
		{"指纹决定-客户端提示平台", "Sec-CH-UA-Platform", HeaderFingerprintBound},
		{"其他客户端提示", "Sec-CH-Prefers-Color-Scheme", HeaderCustom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyHeader(tt.header); got != tt.want {
				t.Errorf("ClassifyHeader(%q) = %d, want %d", tt.header, got, tt.want)
			}
		})
	}
}

func TestHeaderValidator_ValidateName(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerName  string
		expectError bool
	}{
		{"合法名称-字母", "Referer", false},
		{"合法名称-数字", "X-Request-ID-123", false},
		{"合法名称-下划线", "X_Legacy_Token", false},
		{"非法名称-空格", "User Agent", true},
		{"非法名称-冒号", "X-Custom:", true},
		{"非法名称-括号", "X(Custom)", true},
		{"非法名称-非ASCII", "X-名称", true},
		{"非法名称-空字符串", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateName(tt.headerName)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ValidateValue(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name        string
		headerValue string
		expectError bool
	}{
		{"合法值-URL", "https://www.google.com/", false},
		{"合法值-空字符串", "", false},
		{"合法值-制表符", "a\tb", false},
		{"合法值-接近上限", strings.Repeat("a", MaxHeaderValueLength), false},
		{"非法值-超长", strings.Repeat("a", MaxHeaderValueLength+1), true},
		{"非法值-换行注入", "value\r\nX-Injected: 1", true},
		{"非法值-空字符", "value\x00", true},
		{"非法值-DEL", "bad\x7fvalue", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateValue("X-Custom", tt.headerValue)
			if (err != nil) != tt.expectError {
				t.Errorf("期望错误=%v, 实际错误=%v", tt.expectError, err)
			}
		})
	}
}

func TestHeaderValidator_ValidateHeader(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name       string
		header     string
		value      string
		wantReason string
	}{
		{"合法头部", "Referer", "https://ra.co/", ""},
		{"浏览器生成", "Host", "example.com", "浏览器生成"},
		{"浏览器生成-代理凭据", "Proxy-Authorization", "Basic abc", "浏览器生成"},
		{"指纹冲突-UA", "User-Agent", "Mozilla/5.0", "会话指纹"},
		{"指纹冲突-客户端提示", "sec-ch-ua-mobile", "?1", "会话指纹"},
		{"名称先于归属检查", "Host:", "x", "token"},
		{"非法值", "X-Custom", "value\x00bad", "控制字符"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateHeader(tt.header, tt.value)
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("不应报错: %v", err)
				}
				return
			}
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("期望ValidationError, 实际=%v", err)
			}
			if !strings.Contains(verr.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, 应包含 %q", verr.Reason, tt.wantReason)
			}
			if verr.Suggestion == "" && tt.wantReason != "token" {
				t.Error("应给出修复建议")
			}
		})
	}
}

func TestHeaderValidator_Validate(t *testing.T) {
	validator := NewHeaderValidator()

	tests := []struct {
		name      string
		headers   http.Header
		wantValue string
	}{
		{"合法头部集合", http.Header{"Referer": {"https://ra.co/"}, "X-Custom": {"value"}}, ""},
		{"空集合", http.Header{}, ""},
		{"同名多值", http.Header{"X-Custom": {"a", "b"}}, "X-Custom"},
		{"按名称顺序报告第一个错误", http.Header{"User-Agent": {"UA"}, "Cookie": {"a=1"}}, "Cookie"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.Validate(tt.headers)
			if tt.wantValue == "" {
				if err != nil {
					t.Fatalf("不应报错: %v", err)
				}
				return
			}
			var verr *models.ValidationError
			if !errors.As(err, &verr) || verr.Value != tt.wantValue {
				t.Errorf("期望%s的ValidationError, 实际=%v", tt.wantValue, err)
			}
		})
	}
}
