package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

func TestHeaderConfigLoader_LoadConfig(t *testing.T) {
	t.Run("首次运行自动生成模板", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "configs", "headers.yaml")
		cfg, err := NewHeaderConfigLoader(configPath).LoadConfig()
		if err != nil {
			t.Fatalf("加载配置失败: %v", err)
		}
		if _, err := os.Stat(configPath); err != nil {
			t.Fatalf("配置文件应该被自动生成: %v", err)
		}
		if len(cfg.Entries) != 0 {
			t.Errorf("模板不应启用任何头部, 实际=%v", cfg.Entries)
		}
	})

	t.Run("保留键名并记录行号", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		content := "# comment\nheaders:\n  Referer: \"https://www.google.com/\"\n  X-Custom: test value\n  X-Count: 3\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := NewHeaderConfigLoader(path).LoadConfig()
		if err != nil {
			t.Fatalf("加载配置失败: %v", err)
		}
		want := []HeaderEntry{
			{"Referer", "https://www.google.com/", 3},
			{"X-Custom", "test value", 4},
			{"X-Count", "3", 5},
		}
		if len(cfg.Entries) != len(want) {
			t.Fatalf("Entries = %+v", cfg.Entries)
		}
		for i, e := range want {
			if cfg.Entries[i] != e {
				t.Errorf("Entries[%d] = %+v, want %+v", i, cfg.Entries[i], e)
			}
		}
		if h := cfg.HTTPHeader(); h.Get("x-custom") != "test value" {
			t.Errorf("HTTPHeader = %v", h)
		}
	})

	t.Run("文件过大", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "headers.yaml")
		if err := os.WriteFile(path, make([]byte, MaxConfigFileSize+1), 0644); err != nil {
			t.Fatal(err)
		}
		var cerr *models.ConfigError
		if _, err := NewHeaderConfigLoader(path).LoadConfig(); !errors.As(err, &cerr) {
			t.Fatalf("期望ConfigError, 实际=%v", err)
		}
	})
}

func TestParseHeaderConfig(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		entries  int
		wantLine int
		wantMsg  string
	}{
		{"空文件", "", 0, 0, ""},
		{"headers为空", "headers:\n", 0, 0, ""},
		{"忽略未知字段", "version: 1\nheaders:\n  Referer: x\n", 1, 0, ""},
		{"YAML语法错误", "headers:\n  Referer: \"broken\n", 0, -1, ""},
		{"顶层不是映射", "- a\n- b\n", 0, 1, "顶层"},
		{"headers是列表", "headers:\n  - Referer\n", 0, 2, "映射"},
		{"值是映射", "headers:\n  Referer:\n    a: b\n", 0, 2, "字符串"},
		{"值为空", "headers:\n  Referer:\n", 0, 2, "没有值"},
		{"大小写重复", "headers:\n  Referer: a\n  referer: b\n", 0, 3, "第2行"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseHeaderConfig("h.yaml", []byte(tt.content))
			if tt.wantLine == 0 {
				if err != nil {
					t.Fatalf("不应报错: %v", err)
				}
				if len(cfg.Entries) != tt.entries {
					t.Errorf("Entries = %+v", cfg.Entries)
				}
				return
			}

			var cerr *models.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("期望ConfigError, 实际=%v", err)
			}
			if cerr.FilePath != "h.yaml" {
				t.Errorf("FilePath = %q", cerr.FilePath)
			}
			if tt.wantLine > 0 && cerr.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d (%v)", cerr.Line, tt.wantLine, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("错误信息 %q 应包含 %q", err, tt.wantMsg)
			}
		})
	}
}

func TestNewHeaderConfigLoader_DefaultPath(t *testing.T) {
	loader := NewHeaderConfigLoader("")
	if loader.configPath != DefaultConfigFile {
		t.Errorf("默认路径 = %q, want %q", loader.configPath, DefaultConfigFile)
	}
}
