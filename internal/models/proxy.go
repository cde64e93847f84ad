package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyRecord 代理健康记录
// 首次导入代理列表时创建,每次使用后更新,从不物理删除
type ProxyRecord struct {
	ID            string        `json:"id"` // scheme://host:port
	Scheme        string        `json:"scheme"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"-"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	Health        float64       `json:"health"` // EWMA成功率, [0,1]
	LastLatency   time.Duration `json:"last_latency"`
	LastUsed      time.Time     `json:"last_used"`
	CooldownUntil time.Time     `json:"cooldown_until"`
	Disabled      bool          `json:"disabled"`
}

// SupportedProxySchemes 支持的代理协议
var SupportedProxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// ProxyID 生成代理标识
func ProxyID(scheme, host string, port int) string {
	return fmt.Sprintf("%s://%s", strings.ToLower(scheme), net.JoinHostPort(host, strconv.Itoa(port)))
}

// NewProxyRecord 创建新的代理记录,初始健康度为1
func NewProxyRecord(scheme, host string, port int) ProxyRecord {
	return ProxyRecord{
		ID:     ProxyID(scheme, host, port),
		Scheme: strings.ToLower(scheme),
		Host:   host,
		Port:   port,
		Health: 1,
	}
}

// ParseProxyID 从标识还原代理记录(不含凭据)
func ParseProxyID(id string) (ProxyRecord, error) {
	u, err := url.Parse(id)
	if err != nil {
		return ProxyRecord{}, fmt.Errorf("代理标识无效 [%s]: %w", id, err)
	}
	if !SupportedProxySchemes[strings.ToLower(u.Scheme)] {
		return ProxyRecord{}, &ValidationError{Field: "proxy.scheme", Value: u.Scheme, Reason: "不支持的代理协议"}
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return ProxyRecord{}, &ValidationError{Field: "proxy.port", Value: u.Port(), Reason: "端口无效"}
	}
	if u.Hostname() == "" {
		return ProxyRecord{}, &ValidationError{Field: "proxy.host", Reason: "缺少主机名"}
	}
	return NewProxyRecord(u.Scheme, u.Hostname(), port), nil
}

// Server 返回浏览器可用的代理地址(不含凭据)
func (p ProxyRecord) Server() string {
	return ProxyID(p.Scheme, p.Host, p.Port)
}

// URL 返回包含凭据的代理URL
func (p ProxyRecord) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// InCooldown 判断代理是否处于冷却期
func (p ProxyRecord) InCooldown(now time.Time) bool {
	return now.Before(p.CooldownUntil)
}

// Confidence 按平滑公式计算的成功置信度
func (p ProxyRecord) Confidence(smoothing float64) float64 {
	return Confidence(p.Successes, p.Failures, smoothing)
}

// Confidence 计算 s/(s+f+k),结果限制在[0,1]
func Confidence(successes, failures int64, smoothing float64) float64 {
	if smoothing <= 0 {
		smoothing = 1
	}
	if successes < 0 {
		successes = 0
	}
	if failures < 0 {
		failures = 0
	}
	return Clamp01(float64(successes) / (float64(successes+failures) + smoothing))
}

// Clamp01 将数值限制在[0,1]
func Clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
