package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应合法: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"会话池容量", cfg.Pool.Capacity, 4},
		{"借出超时", cfg.Pool.AcquireTimeout, 30 * time.Second},
		{"会话请求上限", cfg.Pool.MaxRequests, 25},
		{"会话存活上限", cfg.Pool.MaxAge, 15 * time.Minute},
		{"健康度下限", cfg.Proxy.HealthFloor, 0.2},
		{"冷却时长", cfg.Proxy.Cooldown, 10 * time.Minute},
		{"EWMA系数", cfg.Proxy.EWMAAlpha, 0.3},
		{"置信度下限", cfg.Selector.ConfidenceFloor, 0.05},
		{"最少尝试次数", cfg.Selector.MinTrials, int64(5)},
		{"导航重试次数", cfg.Retry.NavigationAttempts, 3},
		{"验证码重试次数", cfg.Retry.CaptchaAttempts, 2},
		{"存储后端", cfg.HealthStore.Backend, "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if got := cfg.TargetTimeout(3); got != 45*time.Second+3*5*time.Second {
		t.Errorf("TargetTimeout(3) = %v", got)
	}
	if cfg.Concurrency() != cfg.Pool.Capacity {
		t.Error("未配置并发数时应与会话池容量一致")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
pool:
  capacity: 8
  acquire_timeout: 5s
selector:
  confidence_floor: 0.1
health_store:
  backend: sqlite
  sqlite_path: /tmp/health.db
headers:
  extra:
    X-Team: events
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EVENTHARVEST_RETRY_NAVIGATION_ATTEMPTS", "5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Pool.Capacity != 8 || cfg.Pool.AcquireTimeout != 5*time.Second {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Selector.ConfidenceFloor != 0.1 || cfg.Selector.MinTrials != 5 {
		t.Errorf("selector = %+v", cfg.Selector)
	}
	if cfg.HealthStore.Backend != "sqlite" {
		t.Errorf("backend = %s", cfg.HealthStore.Backend)
	}
	if cfg.Retry.NavigationAttempts != 5 {
		t.Errorf("环境变量应覆盖配置, 实际%d", cfg.Retry.NavigationAttempts)
	}
	if cfg.Headers.Extra["x-team"] != "events" {
		t.Errorf("headers.extra = %v", cfg.Headers.Extra)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"容量为0", "pool:\n  capacity: 0\n", "pool.capacity"},
		{"未知后端", "health_store:\n  backend: mongo\n", "health_store.backend"},
		{"http求解器缺少endpoint", "captcha:\n  solver: http\n", "captcha.endpoint"},
		{"抖动越界", "retry:\n  jitter: 1.5\n", "retry.jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			var verr *models.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("LoadConfig() error = %v, want field %s", err, tt.field)
			}
		})
	}

	t.Run("YAML语法错误", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(path, []byte("pool: [\n"), 0644)
		_, err := LoadConfig(path)
		var cerr *models.ConfigError
		if !errors.As(err, &cerr) {
			t.Errorf("期望ConfigError, 实际%v", err)
		}
	})
}

func TestMergeCLIFlags(t *testing.T) {
	cfg := DefaultConfig()
	headless := false
	err := cfg.MergeCLIFlags(CLIOverrides{
		Capacity:     2,
		Headless:     &headless,
		StoreBackend: "redis",
		LogLevel:     "debug",
	})
	if err != nil {
		t.Fatalf("MergeCLIFlags: %v", err)
	}
	if cfg.Pool.Capacity != 2 || cfg.Browser.Headless || cfg.HealthStore.Backend != "redis" || cfg.Logging.Level != "debug" {
		t.Errorf("命令行覆盖未生效: %+v", cfg)
	}

	if err := cfg.MergeCLIFlags(CLIOverrides{SolverName: "magic"}); err == nil {
		t.Error("非法的命令行取值应校验失败")
	}
}

func TestConfigPolicies(t *testing.T) {
	cfg := DefaultConfig()

	nav := cfg.NavigationPolicy()
	if nav.MaxAttempts != 3 || nav.InitialInterval != 500*time.Millisecond || nav.MaxInterval != 8*time.Second {
		t.Errorf("NavigationPolicy = %+v", nav)
	}
	if target := cfg.TargetPolicy(); target.MaxAttempts != 2 {
		t.Errorf("TargetPolicy = %+v", target)
	}

	policy := cfg.HealthPolicy()
	if policy.HealthFloor != 0.2 || policy.EWMAAlpha != 0.3 || policy.Cooldown != 10*time.Minute {
		t.Errorf("HealthPolicy = %+v", policy)
	}

	opts := OrchestratorOptionsFromConfig(cfg)
	if opts.CaptchaBudget != 0 {
		t.Error("未配置求解器时不应预留求解时间")
	}
	cfg.Captcha.Solver = "http"
	if OrchestratorOptionsFromConfig(cfg).CaptchaBudget != cfg.Captcha.Timeout {
		t.Error("http求解器应预留一次求解时间")
	}
}
