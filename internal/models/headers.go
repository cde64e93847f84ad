package models

import (
	"fmt"
	"net/http"
	"strings"
)

// CliHeaders 命令行传入的头部列表,每项格式为 "Name: Value"
type CliHeaders []string

// Parse 将字符串列表解析为 http.Header
func (ch CliHeaders) Parse() (http.Header, error) {
	result := make(http.Header)
	for i, s := range ch {
		name, value, err := parseHeaderString(s)
		if err != nil {
			return nil, fmt.Errorf("参数 --header 第%d项格式错误: %w", i+1, err)
		}
		result.Set(name, value)
	}
	return result, nil
}

func parseHeaderString(s string) (name, value string, err error) {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("缺少冒号分隔符,应为 'Name: Value'")
	}

	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" {
		return "", "", fmt.Errorf("头部名称不能为空")
	}
	return name, value, nil
}

// HeaderProvider 会话级HTTP头部提供者
type HeaderProvider interface {
	// HeadersFor 返回与指纹一致的请求头部
	// 优先级: 指纹默认值 < 配置文件 < 命令行
	HeadersFor(fp Fingerprint) (http.Header, error)
}
