// Package config 会话附加头部配置文件
//
// 文件按YAML节点解析,保留键名原样和行号,错误可以定位到具体一行。
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile 默认配置文件路径
	DefaultConfigFile = "configs/headers.yaml"

	// MaxConfigFileSize 配置文件最大大小 (1MB)
	MaxConfigFileSize = 1 * 1024 * 1024
)

//go:embed headers_template.yaml
var defaultHeaderTemplate string

// HeaderEntry 配置文件中的一个头部
type HeaderEntry struct {
	Name  string
	Value string
	Line  int
}

// HeaderConfig 头部配置文件内容,Entries保持文件中的顺序
type HeaderConfig struct {
	Path    string
	Entries []HeaderEntry
}

// HTTPHeader 转换为规范化的http.Header
func (hc *HeaderConfig) HTTPHeader() http.Header {
	result := make(http.Header, len(hc.Entries))
	for _, e := range hc.Entries {
		result.Set(e.Name, e.Value)
	}
	return result
}

// HeaderConfigLoader 头部配置文件加载器
type HeaderConfigLoader struct {
	configPath string
}

// NewHeaderConfigLoader 路径为空时使用DefaultConfigFile
func NewHeaderConfigLoader(configPath string) *HeaderConfigLoader {
	if configPath == "" {
		configPath = DefaultConfigFile
	}
	return &HeaderConfigLoader{configPath: configPath}
}

// EnsureConfigExists 文件不存在时写入注释模板
func (hcl *HeaderConfigLoader) EnsureConfigExists() error {
	_, err := os.Stat(hcl.configPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("无法读取配置文件信息 [%s]: %w", hcl.configPath, err)
	}

	dir := filepath.Dir(hcl.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建配置目录 [%s]: %w", dir, err)
	}
	if err := os.WriteFile(hcl.configPath, []byte(defaultHeaderTemplate), 0644); err != nil {
		return fmt.Errorf("无法生成配置文件 [%s]: %w", hcl.configPath, err)
	}
	utils.Infof("已生成头部配置模板: %s", hcl.configPath)
	return nil
}

// LoadConfig 读取并解析配置文件,不存在时先生成模板
func (hcl *HeaderConfigLoader) LoadConfig() (*HeaderConfig, error) {
	if err := hcl.EnsureConfigExists(); err != nil {
		return nil, err
	}

	info, err := os.Stat(hcl.configPath)
	if err != nil {
		return nil, &models.ConfigError{FilePath: hcl.configPath, Cause: err}
	}
	if info.Size() > MaxConfigFileSize {
		return nil, &models.ConfigError{
			FilePath: hcl.configPath,
			Cause:    fmt.Errorf("配置文件过大: %d 字节 (最大 %d 字节)", info.Size(), MaxConfigFileSize),
		}
	}

	data, err := os.ReadFile(hcl.configPath)
	if err != nil {
		return nil, &models.ConfigError{FilePath: hcl.configPath, Cause: err}
	}
	return ParseHeaderConfig(hcl.configPath, data)
}

// ParseHeaderConfig 解析头部配置内容
// 顶层只识别headers,其值必须是 名称: 字符串 的映射
func ParseHeaderConfig(path string, data []byte) (*HeaderConfig, error) {
	cfg := &HeaderConfig{Path: path}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &models.ConfigError{FilePath: path, Cause: err}
	}
	if len(doc.Content) == 0 {
		return cfg, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, lineError(path, root.Line, "顶层必须是映射")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if key.Value != "headers" {
			utils.Warnf("头部配置 %s:%d 忽略未知字段 %q", path, key.Line, key.Value)
			continue
		}
		entries, err := parseEntries(path, value)
		if err != nil {
			return nil, err
		}
		cfg.Entries = entries
	}
	return cfg, nil
}

func parseEntries(path string, node *yaml.Node) ([]HeaderEntry, error) {
	// 模板里全部注释掉时headers为null
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, lineError(path, node.Line, "headers必须是 名称: 值 的映射")
	}

	entries := make([]HeaderEntry, 0, len(node.Content)/2)
	firstLine := make(map[string]int, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch {
		case value.Kind != yaml.ScalarNode:
			return nil, lineError(path, key.Line, fmt.Sprintf("头部 %s 的值必须是字符串", key.Value))
		case value.Tag == "!!null":
			return nil, lineError(path, key.Line, fmt.Sprintf("头部 %s 没有值, 不需要时请注释掉", key.Value))
		}

		canonical := http.CanonicalHeaderKey(key.Value)
		if line, dup := firstLine[canonical]; dup {
			return nil, lineError(path, key.Line, fmt.Sprintf("头部 %s 与第%d行重复 (名称不区分大小写)", key.Value, line))
		}
		firstLine[canonical] = key.Line
		entries = append(entries, HeaderEntry{Name: key.Value, Value: value.Value, Line: key.Line})
	}
	return entries, nil
}

func lineError(path string, line int, msg string) error {
	return &models.ConfigError{FilePath: path, Line: line, Cause: errors.New(msg)}
}
