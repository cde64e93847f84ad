// Package selector 字段提取与选择器学习
//
// 对每个(站点, 字段),引擎按排名依次尝试候选模式:
// 调用方覆盖的模式最先,其次是健康存储中按置信度排序的已学习模式,最后是内置种子。
// 第一个产生非空且通过字段校验的值的模式胜出,之前每个被尝试的模式记一次失败,
// 胜出的模式记一次成功。
package selector

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Document 页面快照
// HTML只解析一次,CSS与XPath查询共享同一棵节点树
type Document struct {
	root *html.Node
	doc  *goquery.Document
}

// ParseDocument 解析HTML
func ParseDocument(raw string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}
	return &Document{root: root, doc: goquery.NewDocumentFromNode(root)}, nil
}

// Eval 按模式求值,返回所有匹配的规范化文本
// 模式本身无效时返回错误,没有匹配时返回空切片
func (d *Document) Eval(p models.Pattern) ([]string, error) {
	switch pat := p.(type) {
	case models.CSSPattern:
		sel, err := d.find(pat.Selector)
		if err != nil {
			return nil, err
		}
		return collect(sel, func(s *goquery.Selection) string { return s.Text() }), nil

	case models.AttributeRule:
		sel, err := d.find(pat.Selector)
		if err != nil {
			return nil, err
		}
		return collect(sel, func(s *goquery.Selection) string { return s.AttrOr(pat.Attribute, "") }), nil

	case models.XPathPattern:
		nodes, err := htmlquery.QueryAll(d.root, pat.Expr)
		if err != nil {
			return nil, fmt.Errorf("XPath表达式无效 [%s]: %w", pat.Expr, err)
		}
		values := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if v := normalizeSpace(htmlquery.InnerText(n)); v != "" {
				values = append(values, v)
			}
		}
		return values, nil

	case nil:
		return nil, fmt.Errorf("模式为空")
	default:
		return nil, fmt.Errorf("不支持的模式类型: %s", p.Kind())
	}
}

// find 编译CSS选择器,语法错误时返回错误而不是空结果
func (d *Document) find(selector string) (*goquery.Selection, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("CSS选择器无效 [%s]: %w", selector, err)
	}
	return d.doc.FindMatcher(matcher), nil
}

func collect(sel *goquery.Selection, read func(*goquery.Selection) string) []string {
	values := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if v := normalizeSpace(read(s)); v != "" {
			values = append(values, v)
		}
	})
	return values
}

// Has 是否存在匹配CSS选择器的元素,选择器无效时返回false
func (d *Document) Has(selector string) bool {
	sel, err := d.find(selector)
	return err == nil && sel.Length() > 0
}

// HasOutside 是否存在不在container内的匹配元素,container为空时等同Has
func (d *Document) HasOutside(selector, container string) bool {
	sel, err := d.find(selector)
	if err != nil {
		return false
	}
	if container == "" {
		return sel.Length() > 0
	}
	outside := sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest(container).Length() == 0
	})
	return outside.Length() > 0
}

// Attr 第一个匹配元素的属性值
func (d *Document) Attr(selector, attr string) (string, bool) {
	sel, err := d.find(selector)
	if err != nil {
		return "", false
	}
	return sel.First().Attr(attr)
}

// Title 文档标题
func (d *Document) Title() string {
	return normalizeSpace(d.doc.Find("title").First().Text())
}

// Text body的可见文本,空白已折叠
func (d *Document) Text() string {
	body := d.doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return normalizeSpace(body.Text())
}

// normalizeSpace 折叠连续空白
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
