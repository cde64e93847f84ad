package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀, 如 EVENTHARVEST_POOL_CAPACITY
const EnvPrefix = "EVENTHARVEST"

// Config 应用程序配置
type Config struct {
	Browser     BrowserConfig     `mapstructure:"browser"`
	Pool        PoolSettings      `mapstructure:"pool"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Selector    SelectorConfig    `mapstructure:"selector"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	HealthStore HealthStoreConfig `mapstructure:"health_store"`
	Captcha     CaptchaConfig     `mapstructure:"captcha"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Headers     HeadersConfig     `mapstructure:"headers"`
}

// BrowserConfig 浏览器启动配置
type BrowserConfig struct {
	Bin              string        `mapstructure:"bin"`
	Headless         bool          `mapstructure:"headless"`
	NoSandbox        bool          `mapstructure:"no_sandbox"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	BlockedURLs      []string      `mapstructure:"blocked_urls"`
	IgnoreCertErrors bool          `mapstructure:"ignore_cert_errors"`
}

// PoolSettings 会话池配置
type PoolSettings struct {
	Capacity            int           `mapstructure:"capacity"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	MaxRequests         int           `mapstructure:"max_requests"`
	MaxAge              time.Duration `mapstructure:"max_age"`
	MaxTabsLimit        int           `mapstructure:"max_tabs_limit"`
	SafetyReserveMemory int64         `mapstructure:"safety_reserve_memory"` // MB
	SafetyThreshold     int64         `mapstructure:"safety_threshold"`      // MB
	CPULoadThreshold    float64       `mapstructure:"cpu_load_threshold"`    // 百分比
}

// ProxyConfig 代理健康策略
type ProxyConfig struct {
	ListFile         string        `mapstructure:"list_file"`
	HealthFloor      float64       `mapstructure:"health_floor"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	EWMAAlpha        float64       `mapstructure:"ewma_alpha"`
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency"`
}

// SelectorConfig 选择器学习参数
type SelectorConfig struct {
	Smoothing       float64 `mapstructure:"smoothing"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	MinTrials       int64   `mapstructure:"min_trials"`
	SeedsFile       string  `mapstructure:"seeds_file"`
}

// RetryConfig 重试退避参数
type RetryConfig struct {
	NavigationAttempts int           `mapstructure:"navigation_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	Multiplier         float64       `mapstructure:"multiplier"`
	Jitter             float64       `mapstructure:"jitter"`
	CaptchaAttempts    int           `mapstructure:"captcha_attempts"`
}

// CrawlConfig 单目标爬取参数
type CrawlConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	FieldTimeout      time.Duration `mapstructure:"field_timeout"`
	SiteRate          float64       `mapstructure:"site_rate"` // 每秒请求数
	SiteBurst         int           `mapstructure:"site_burst"`
	DelayScale        float64       `mapstructure:"delay_scale"`
	Concurrency       int           `mapstructure:"concurrency"` // 0 表示与会话池容量一致
}

// HealthStoreConfig 健康存储后端
type HealthStoreConfig struct {
	Backend       string        `mapstructure:"backend"` // memory | redis | sqlite
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
}

// CaptchaConfig 验证码求解服务
type CaptchaConfig struct {
	Solver       string        `mapstructure:"solver"` // none | http
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// FeedConfig Redis目标队列
type FeedConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	TargetKey     string        `mapstructure:"target_key"`
	ProcessingKey string        `mapstructure:"processing_key"`
	OutcomeKey    string        `mapstructure:"outcome_key"`
	PopTimeout    time.Duration `mapstructure:"pop_timeout"`
}

// MetricsConfig 指标导出
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// HeadersConfig 会话附加头部
type HeadersConfig struct {
	File  string            `mapstructure:"file"`
	Extra map[string]string `mapstructure:"extra"`
}

// LoadConfig 加载配置文件
// 配置文件不存在时使用默认值,环境变量覆盖配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".eventharvest"))
		}
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &models.ConfigError{FilePath: configPath, Cause: fmt.Errorf("读取配置文件失败: %w", err)}
		}
		utils.Debugf("未找到配置文件,使用默认配置")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: fmt.Errorf("解析配置文件失败: %w", err)}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig 返回全部默认值
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// 默认值均为基本类型,不会解析失败
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.page_timeout", 60*time.Second)
	v.SetDefault("browser.blocked_urls", []string{
		"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.woff", "*.woff2",
		"*google-analytics.com*", "*googletagmanager.com*", "*doubleclick.net*",
	})
	v.SetDefault("browser.ignore_cert_errors", false)

	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.acquire_timeout", 30*time.Second)
	v.SetDefault("pool.max_requests", 25)
	v.SetDefault("pool.max_age", 15*time.Minute)
	v.SetDefault("pool.max_tabs_limit", 16)
	v.SetDefault("pool.safety_reserve_memory", 1024)
	v.SetDefault("pool.safety_threshold", 512)
	v.SetDefault("pool.cpu_load_threshold", 85.0)

	v.SetDefault("proxy.list_file", "")
	v.SetDefault("proxy.health_floor", 0.2)
	v.SetDefault("proxy.cooldown", 10*time.Minute)
	v.SetDefault("proxy.ewma_alpha", 0.3)
	v.SetDefault("proxy.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout", 10*time.Second)
	v.SetDefault("proxy.probe_concurrency", 8)

	v.SetDefault("selector.smoothing", 1.0)
	v.SetDefault("selector.confidence_floor", 0.05)
	v.SetDefault("selector.min_trials", 5)
	v.SetDefault("selector.seeds_file", "")

	v.SetDefault("retry.navigation_attempts", 3)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 8*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.3)
	v.SetDefault("retry.captcha_attempts", 2)

	v.SetDefault("crawl.navigation_timeout", 45*time.Second)
	v.SetDefault("crawl.field_timeout", 5*time.Second)
	v.SetDefault("crawl.site_rate", 0.5)
	v.SetDefault("crawl.site_burst", 1)
	v.SetDefault("crawl.delay_scale", 1.0)
	v.SetDefault("crawl.concurrency", 0)

	v.SetDefault("health_store.backend", "memory")
	v.SetDefault("health_store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("health_store.redis_password", "")
	v.SetDefault("health_store.redis_db", 0)
	v.SetDefault("health_store.key_prefix", "eventharvest")
	v.SetDefault("health_store.sqlite_path", "data/health.db")
	v.SetDefault("health_store.op_timeout", 750*time.Millisecond)

	v.SetDefault("captcha.solver", "none")
	v.SetDefault("captcha.endpoint", "")
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.timeout", 120*time.Second)
	v.SetDefault("captcha.poll_interval", 5*time.Second)

	v.SetDefault("feed.redis_addr", "127.0.0.1:6379")
	v.SetDefault("feed.target_key", "eventharvest:targets")
	v.SetDefault("feed.processing_key", "eventharvest:targets:processing")
	v.SetDefault("feed.outcome_key", "eventharvest:outcomes")
	v.SetDefault("feed.pop_timeout", 5*time.Second)

	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("headers.file", "configs/headers.yaml")
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	checks := []struct {
		ok     bool
		field  string
		reason string
	}{
		{c.Pool.Capacity > 0, "pool.capacity", "必须大于0"},
		{c.Pool.AcquireTimeout > 0, "pool.acquire_timeout", "必须大于0"},
		{c.Pool.MaxRequests > 0, "pool.max_requests", "必须大于0"},
		{c.Pool.MaxAge > 0, "pool.max_age", "必须大于0"},
		{c.Proxy.HealthFloor >= 0 && c.Proxy.HealthFloor <= 1, "proxy.health_floor", "必须在[0,1]之间"},
		{c.Proxy.EWMAAlpha > 0 && c.Proxy.EWMAAlpha <= 1, "proxy.ewma_alpha", "必须在(0,1]之间"},
		{c.Proxy.Cooldown >= 0, "proxy.cooldown", "不能为负"},
		{c.Selector.Smoothing > 0, "selector.smoothing", "必须大于0"},
		{c.Selector.ConfidenceFloor >= 0 && c.Selector.ConfidenceFloor < 1, "selector.confidence_floor", "必须在[0,1)之间"},
		{c.Retry.NavigationAttempts > 0, "retry.navigation_attempts", "必须大于0"},
		{c.Retry.CaptchaAttempts > 0, "retry.captcha_attempts", "必须大于0"},
		{c.Retry.Multiplier >= 1, "retry.multiplier", "必须不小于1"},
		{c.Retry.Jitter >= 0 && c.Retry.Jitter < 1, "retry.jitter", "必须在[0,1)之间"},
		{c.Crawl.NavigationTimeout > 0, "crawl.navigation_timeout", "必须大于0"},
		{c.Crawl.FieldTimeout > 0, "crawl.field_timeout", "必须大于0"},
		{c.Crawl.SiteRate > 0, "crawl.site_rate", "必须大于0"},
		{c.Crawl.SiteBurst > 0, "crawl.site_burst", "必须大于0"},
		{c.Crawl.DelayScale >= 0, "crawl.delay_scale", "不能为负"},
		{c.Crawl.Concurrency >= 0, "crawl.concurrency", "不能为负"},
	}
	for _, check := range checks {
		if !check.ok {
			return &models.ValidationError{Field: check.field, Reason: check.reason}
		}
	}

	switch c.HealthStore.Backend {
	case "memory", "redis", "sqlite":
	default:
		return &models.ValidationError{
			Field:      "health_store.backend",
			Value:      c.HealthStore.Backend,
			Reason:     "不支持的存储后端",
			Suggestion: "使用 memory、redis 或 sqlite",
		}
	}

	switch c.Captcha.Solver {
	case "none", "":
	case "http":
		if c.Captcha.Endpoint == "" {
			return &models.ValidationError{Field: "captcha.endpoint", Reason: "http求解器需要配置endpoint"}
		}
	default:
		return &models.ValidationError{
			Field:      "captcha.solver",
			Value:      c.Captcha.Solver,
			Reason:     "不支持的验证码求解器",
			Suggestion: "使用 none 或 http",
		}
	}
	return nil
}

// Concurrency 批量爬取的并发数,未配置时与会话池容量一致
func (c *Config) Concurrency() int {
	if c.Crawl.Concurrency > 0 {
		return c.Crawl.Concurrency
	}
	return c.Pool.Capacity
}

// TargetTimeout 单个目标的总超时: 导航超时 + 字段数 × 字段超时
func (c *Config) TargetTimeout(fields int) time.Duration {
	return c.Crawl.NavigationTimeout + time.Duration(fields)*c.Crawl.FieldTimeout
}

// LogConfig 转换为日志系统配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// CLIOverrides 命令行覆盖项,零值表示未指定
type CLIOverrides struct {
	Capacity     int
	Headless     *bool
	ProxyFile    string
	StoreBackend string
	LogLevel     string
	SolverName   string
}

// MergeCLIFlags 合并命令行参数到配置
// 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(o CLIOverrides) error {
	if o.Capacity > 0 {
		c.Pool.Capacity = o.Capacity
	}
	if o.Headless != nil {
		c.Browser.Headless = *o.Headless
	}
	if o.ProxyFile != "" {
		c.Proxy.ListFile = o.ProxyFile
	}
	if o.StoreBackend != "" {
		c.HealthStore.Backend = o.StoreBackend
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.SolverName != "" {
		c.Captcha.Solver = o.SolverName
	}
	return c.Validate()
}
