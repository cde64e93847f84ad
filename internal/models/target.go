package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// TargetSpec 外部脚本提供的爬取目标(线格式)
// 未强制具体格式,JSON与YAML均可解码到此结构
type TargetSpec struct {
	ID                string              `json:"id,omitempty" yaml:"id,omitempty"`
	URL               string              `json:"url" yaml:"url"`
	SiteID            string              `json:"site_id" yaml:"site_id"`
	Fields            []string            `json:"fields" yaml:"fields"`
	SelectorOverrides map[string][]string `json:"selector_overrides,omitempty" yaml:"selector_overrides,omitempty"`
}

// CrawlTarget 爬取目标
// 每次爬取尝试消费一次,核心不负责持久化
type CrawlTarget struct {
	ID        string
	URL       string
	SiteID    string
	Fields    []string
	Overrides map[string][]Pattern
}

// NewCrawlTarget 校验线格式并构造目标
func NewCrawlTarget(spec TargetSpec) (CrawlTarget, error) {
	if err := ValidateURL(spec.URL); err != nil {
		return CrawlTarget{}, &ValidationError{Field: "url", Value: spec.URL, Reason: err.Error()}
	}

	target := CrawlTarget{
		ID:     spec.ID,
		URL:    spec.URL,
		SiteID: strings.TrimSpace(spec.SiteID),
		Fields: normalizeFields(spec.Fields),
	}
	if target.ID == "" {
		target.ID = generateID()
	}
	if target.SiteID == "" {
		// 未指定站点时以主机名作为站点标识
		parsed, _ := url.Parse(spec.URL)
		target.SiteID = strings.TrimPrefix(parsed.Hostname(), "www.")
	}

	if len(spec.SelectorOverrides) > 0 {
		target.Overrides = make(map[string][]Pattern, len(spec.SelectorOverrides))
		for field, keys := range spec.SelectorOverrides {
			field = strings.ToLower(strings.TrimSpace(field))
			for _, key := range keys {
				p, err := ParsePattern(key)
				if err != nil {
					return CrawlTarget{}, fmt.Errorf("字段 %s 的覆盖选择器无效: %w", field, err)
				}
				target.Overrides[field] = append(target.Overrides[field], p)
			}
		}
	}

	if err := target.Validate(); err != nil {
		return CrawlTarget{}, err
	}
	return target, nil
}

// Validate 校验目标
func (t CrawlTarget) Validate() error {
	if err := ValidateURL(t.URL); err != nil {
		return &ValidationError{Field: "url", Value: t.URL, Reason: err.Error()}
	}
	if t.SiteID == "" {
		return &ValidationError{Field: "site_id", Reason: "站点标识不能为空"}
	}
	if len(t.Fields) == 0 {
		return &ValidationError{Field: "fields", Reason: "至少需要一个字段", Suggestion: "例如 title,date"}
	}
	return nil
}

// Spec 转回线格式
func (t CrawlTarget) Spec() TargetSpec {
	spec := TargetSpec{
		ID:     t.ID,
		URL:    t.URL,
		SiteID: t.SiteID,
		Fields: append([]string(nil), t.Fields...),
	}
	if len(t.Overrides) > 0 {
		spec.SelectorOverrides = make(map[string][]string, len(t.Overrides))
		for field, patterns := range t.Overrides {
			for _, p := range patterns {
				spec.SelectorOverrides[field] = append(spec.SelectorOverrides[field], p.Key())
			}
		}
	}
	return spec
}

// MarshalJSON 以线格式输出
func (t CrawlTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Spec())
}

// UnmarshalJSON 从线格式解析
func (t *CrawlTarget) UnmarshalJSON(data []byte) error {
	var spec TargetSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	target, err := NewCrawlTarget(spec)
	if err != nil {
		return err
	}
	*t = target
	return nil
}

// NaturalKey 规范化URL的哈希,供持久层做upsert
func NaturalKey(rawURL string) string {
	canonical := rawURL
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		if u.Path == "" {
			u.Path = "/"
		}
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			if strings.HasPrefix(strings.ToLower(k), "utm_") {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		clean := url.Values{}
		for _, k := range keys {
			clean[k] = q[k]
		}
		u.RawQuery = clean.Encode()
		canonical = u.String()
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func normalizeFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		for _, part := range strings.Split(f, ",") {
			name := strings.ToLower(strings.TrimSpace(part))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
