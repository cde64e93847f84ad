package models

import (
	"fmt"
	"strings"
	"time"
)

// PatternKind 选择器模式类型
type PatternKind int

const (
	PatternCSS PatternKind = iota + 1
	PatternXPath
	PatternAttribute
)

// String 返回存储键前缀
func (k PatternKind) String() string {
	switch k {
	case PatternCSS:
		return "css"
	case PatternXPath:
		return "xpath"
	case PatternAttribute:
		return "attr"
	default:
		return "unknown"
	}
}

// Pattern 字段定位规则
// 每种类型携带各自的载荷,避免在提取处按字符串分派
type Pattern interface {
	Kind() PatternKind
	// Key 稳定的存储键,ParsePattern可还原
	Key() string
}

// CSSPattern 取匹配元素的文本
type CSSPattern struct {
	Selector string
}

func (p CSSPattern) Kind() PatternKind { return PatternCSS }
func (p CSSPattern) Key() string       { return "css:" + p.Selector }

// XPathPattern 取匹配节点的文本或属性值
type XPathPattern struct {
	Expr string
}

func (p XPathPattern) Kind() PatternKind { return PatternXPath }
func (p XPathPattern) Key() string       { return "xpath:" + p.Expr }

// AttributeRule 取匹配元素的属性值
type AttributeRule struct {
	Selector  string
	Attribute string
}

func (p AttributeRule) Kind() PatternKind { return PatternAttribute }
func (p AttributeRule) Key() string       { return "attr:" + p.Selector + "@" + p.Attribute }

// ParsePattern 解析存储键
// 格式: css:<selector> | xpath:<expr> | attr:<selector>@<attribute>
func ParsePattern(key string) (Pattern, error) {
	kind, payload, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || strings.TrimSpace(payload) == "" {
		return nil, &ValidationError{Field: "pattern", Value: key, Reason: "格式应为 kind:payload", Suggestion: "例如 css:h1.title"}
	}
	payload = strings.TrimSpace(payload)

	switch strings.ToLower(kind) {
	case "css":
		return CSSPattern{Selector: payload}, nil
	case "xpath":
		return XPathPattern{Expr: payload}, nil
	case "attr":
		idx := strings.LastIndex(payload, "@")
		if idx <= 0 || idx == len(payload)-1 {
			return nil, &ValidationError{Field: "pattern", Value: key, Reason: "属性规则缺少@属性名", Suggestion: "例如 attr:meta[property=\"og:title\"]@content"}
		}
		return AttributeRule{Selector: strings.TrimSpace(payload[:idx]), Attribute: strings.TrimSpace(payload[idx+1:])}, nil
	default:
		return nil, &ValidationError{Field: "pattern", Value: key, Reason: fmt.Sprintf("未知的模式类型 %q", kind)}
	}
}

// MustParsePattern 解析失败时panic,仅用于内置种子
func MustParsePattern(key string) Pattern {
	p, err := ParsePattern(key)
	if err != nil {
		panic(err)
	}
	return p
}

// PatternSource 候选模式的来源
type PatternSource string

const (
	SourceOverride PatternSource = "override"
	SourceLearned  PatternSource = "learned"
	SourceSeed     PatternSource = "seed"
)

// SelectorPattern 选择器表现记录
// 以(站点, 字段, 模式)为复合键,从不删除,低置信度的模式排在末尾
type SelectorPattern struct {
	Site         string        `json:"site"`
	Field        string        `json:"field"`
	Pattern      Pattern       `json:"-"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	Confidence   float64       `json:"confidence"`
	LastVerified time.Time     `json:"last_verified"`
	Source       PatternSource `json:"source"`
}

// Key 返回模式存储键
func (sp SelectorPattern) Key() string {
	if sp.Pattern == nil {
		return ""
	}
	return sp.Pattern.Key()
}

// Trials 总尝试次数
func (sp SelectorPattern) Trials() int64 {
	return sp.Successes + sp.Failures
}
