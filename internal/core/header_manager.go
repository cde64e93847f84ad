package core

import (
	"net/http"
	"sync"

	"github.com/RecoveryAshes/eventharvest/internal/antidetect"
	"github.com/RecoveryAshes/eventharvest/internal/config"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
)

// HeaderManager 管理浏览器会话附加头部的生命周期
// 实现 models.HeaderProvider 接口
type HeaderManager struct {
	// file 从头部配置文件加载的头部,fileConfig保留行号用于报错
	file       http.Header
	fileConfig *config.HeaderConfig

	// extra 主配置 headers.extra 中的头部
	extra http.Header

	// cli 从命令行参数解析的头部
	cli http.Header

	validator *utils.HeaderValidator
	redactor  *utils.HeaderRedactor

	configLoader *config.HeaderConfigLoader

	mu     sync.Mutex
	loaded bool
}

// NewHeaderManager 创建头部管理器
// 参数:
//   - configFile: 头部配置文件路径 (为空则使用默认路径)
//   - extra: 主配置中的附加头部
//   - cliHeaders: 命令行传递的 "Name: Value" 列表
func NewHeaderManager(configFile string, extra map[string]string, cliHeaders []string) (*HeaderManager, error) {
	hm := &HeaderManager{
		extra:        make(http.Header, len(extra)),
		cli:          make(http.Header),
		validator:    utils.NewHeaderValidator(),
		redactor:     utils.NewHeaderRedactor(),
		configLoader: config.NewHeaderConfigLoader(configFile),
	}
	for name, value := range extra {
		hm.extra.Set(name, value)
	}

	if len(cliHeaders) > 0 {
		parsed, err := models.CliHeaders(cliHeaders).Parse()
		if err != nil {
			return nil, err
		}
		hm.cli = parsed
	}
	return hm, nil
}

// LoadConfig 加载头部配置文件,已加载则跳过
func (hm *HeaderManager) LoadConfig() error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.loaded {
		return nil
	}

	headerConfig, err := hm.configLoader.LoadConfig()
	if err != nil {
		utils.Errorf("加载HTTP头部配置失败: %v", err)
		return err
	}
	hm.fileConfig = headerConfig
	hm.file = headerConfig.HTTPHeader()
	hm.loaded = true

	if len(hm.file) > 0 {
		utils.Debugf("成功加载%d个HTTP头部配置: %v", len(hm.file), hm.redactor.Redact(hm.file))
	}
	return nil
}

// Validate 验证配置文件、主配置和命令行三层头部
// 配置文件中的错误带上所在行
func (hm *HeaderManager) Validate() error {
	if hm.fileConfig != nil {
		for _, e := range hm.fileConfig.Entries {
			if err := hm.validator.ValidateHeader(e.Name, e.Value); err != nil {
				utils.Errorf("配置文件头部验证失败: %s:%d %v", hm.fileConfig.Path, e.Line, err)
				return &models.ConfigError{FilePath: hm.fileConfig.Path, Line: e.Line, Cause: err}
			}
		}
	}

	layers := []struct {
		name    string
		headers http.Header
	}{
		{"主配置", hm.extra},
		{"命令行", hm.cli},
	}
	for _, layer := range layers {
		if err := hm.validator.Validate(layer.headers); err != nil {
			utils.Errorf("%s头部验证失败: %v", layer.name, err)
			return err
		}
	}
	return nil
}

// MergedHeaders 按优先级合并头部 (指纹 < 配置文件 < 主配置 < 命令行)
func (hm *HeaderManager) MergedHeaders(fp models.Fingerprint) http.Header {
	result := antidetect.FingerprintHeaders(fp)
	for _, layer := range []http.Header{hm.file, hm.extra, hm.cli} {
		for name, values := range layer {
			result[name] = append([]string(nil), values...)
		}
	}
	return result
}

// SafeHeaders 返回脱敏后的合并头部 (用于日志和validate-config输出)
func (hm *HeaderManager) SafeHeaders(fp models.Fingerprint) map[string]string {
	return hm.redactor.Redact(hm.MergedHeaders(fp))
}

// HeadersFor 实现 HeaderProvider 接口
func (hm *HeaderManager) HeadersFor(fp models.Fingerprint) (http.Header, error) {
	if err := hm.LoadConfig(); err != nil {
		return nil, err
	}
	if err := hm.Validate(); err != nil {
		return nil, err
	}
	return hm.MergedHeaders(fp), nil
}
