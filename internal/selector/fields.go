package selector

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FieldSpec 语义字段的提取规则
type FieldSpec struct {
	Name string

	// Multiple 为true时合并所有匹配值,否则取第一个有效值
	Multiple bool

	// Validate 校验单个值
	Validate func(string) bool
}

// Accept 从匹配值中选出字段值
func (f FieldSpec) Accept(values []string) (string, bool) {
	if f.Multiple {
		seen := make(map[string]bool, len(values))
		var parts []string
		for _, v := range values {
			if v == "" || seen[v] || (f.Validate != nil && !f.Validate(v)) {
				continue
			}
			seen[v] = true
			parts = append(parts, v)
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ", "), true
	}

	for _, v := range values {
		if v != "" && (f.Validate == nil || f.Validate(v)) {
			return v, true
		}
	}
	return "", false
}

var (
	isoDatePattern     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	numericDatePattern = regexp.MustCompile(`\d{1,2}[./]\d{1,2}[./]\d{2,4}`)
	monthPattern       = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\b`)
	freePricePattern   = regexp.MustCompile(`(?i)\b(free|sold\s*out)\b`)
)

func shortText(max int) func(string) bool {
	return func(v string) bool {
		n := utf8.RuneCountInString(v)
		return n > 0 && n <= max
	}
}

func hasDigit(v string) bool {
	return strings.IndexFunc(v, unicode.IsDigit) >= 0
}

// validDate 日期需包含ISO日期、数字日期,或月份名加数字
func validDate(v string) bool {
	if isoDatePattern.MatchString(v) || numericDatePattern.MatchString(v) {
		return true
	}
	return hasDigit(v) && monthPattern.MatchString(v)
}

func validPrice(v string) bool {
	return utf8.RuneCountInString(v) <= 200 && (hasDigit(v) || freePricePattern.MatchString(v))
}

// builtinFields 内置字段
var builtinFields = map[string]FieldSpec{
	"title":       {Name: "title", Validate: shortText(300)},
	"venue":       {Name: "venue", Validate: shortText(300)},
	"date":        {Name: "date", Validate: validDate},
	"price":       {Name: "price", Validate: validPrice},
	"lineup":      {Name: "lineup", Multiple: true, Validate: shortText(200)},
	"description": {Name: "description", Validate: shortText(5000)},
}

// FieldFor 字段规则,未知字段只要求非空且不过长
func FieldFor(name string) FieldSpec {
	if spec, ok := builtinFields[name]; ok {
		return spec
	}
	return FieldSpec{Name: name, Validate: shortText(2000)}
}
