package selector

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed seeds.yaml
var defaultSeedsYAML []byte

// seedFile 种子文件格式
type seedFile struct {
	Defaults map[string][]string            `yaml:"defaults"`
	Sites    map[string]map[string][]string `yaml:"sites"`
}

// SeedSet 种子选择器集合
type SeedSet struct {
	defaults map[string][]models.Pattern
	sites    map[string]map[string][]models.Pattern
}

// DefaultSeeds 内置种子
func DefaultSeeds() *SeedSet {
	seeds, err := ParseSeeds(defaultSeedsYAML)
	if err != nil {
		// 内置文件随二进制发布,解析失败属于编程错误
		panic(err)
	}
	return seeds
}

// ParseSeeds 解析YAML种子
func ParseSeeds(data []byte) (*SeedSet, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析种子文件失败: %w", err)
	}

	set := &SeedSet{
		defaults: make(map[string][]models.Pattern),
		sites:    make(map[string]map[string][]models.Pattern),
	}
	for field, keys := range file.Defaults {
		patterns, err := parseKeys(field, keys)
		if err != nil {
			return nil, err
		}
		set.defaults[field] = patterns
	}
	for site, fields := range file.Sites {
		set.sites[site] = make(map[string][]models.Pattern)
		for field, keys := range fields {
			patterns, err := parseKeys(site+"."+field, keys)
			if err != nil {
				return nil, err
			}
			set.sites[site][field] = patterns
		}
	}
	return set, nil
}

func parseKeys(where string, keys []string) ([]models.Pattern, error) {
	patterns := make([]models.Pattern, 0, len(keys))
	for _, key := range keys {
		p, err := models.ParsePattern(key)
		if err != nil {
			return nil, fmt.Errorf("种子 %s 无效: %w", where, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// LoadSeedsFile 从文件加载种子并合并到内置种子之上
// 文件中出现的字段替换内置同名字段
func LoadSeedsFile(path string) (*SeedSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取种子文件失败: %w", err)
	}
	extra, err := ParseSeeds(data)
	if err != nil {
		return nil, &models.ConfigError{FilePath: path, Cause: err}
	}

	merged := DefaultSeeds()
	for field, patterns := range extra.defaults {
		merged.defaults[field] = patterns
	}
	for site, fields := range extra.sites {
		if merged.sites[site] == nil {
			merged.sites[site] = make(map[string][]models.Pattern)
		}
		for field, patterns := range fields {
			merged.sites[site][field] = patterns
		}
	}
	return merged, nil
}

// For 站点字段的种子,站点专用种子在前
func (s *SeedSet) For(site, field string) []models.Pattern {
	if s == nil {
		return nil
	}
	var out []models.Pattern
	if fields, ok := s.sites[site]; ok {
		out = append(out, fields[field]...)
	}
	return append(out, s.defaults[field]...)
}
