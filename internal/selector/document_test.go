package selector

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

const listingPage = `<html>
<head>
  <title> Warehouse Project  </title>
  <meta property="og:title" content="WHP25 Opening">
  <script>var title = "not visible";</script>
</head>
<body>
  <ul class="lineup">
    <li><a href="/dj/1">Peggy Gou</a></li>
    <li><a href="/dj/2">Honey   Dijon</a></li>
  </ul>
  <span class="price">£35.00</span>
</body>
</html>`

func TestDocument_Eval(t *testing.T) {
	doc := mustDoc(t, listingPage)

	tests := []struct {
		name    string
		pattern models.Pattern
		want    []string
		wantErr bool
	}{
		{"CSS文本", models.CSSPattern{Selector: ".lineup li"}, []string{"Peggy Gou", "Honey Dijon"}, false},
		{"属性规则", models.AttributeRule{Selector: `meta[property="og:title"]`, Attribute: "content"}, []string{"WHP25 Opening"}, false},
		{"XPath文本", models.XPathPattern{Expr: "//span[@class='price']"}, []string{"£35.00"}, false},
		{"XPath属性", models.XPathPattern{Expr: "//ul[@class='lineup']//a/@href"}, []string{"/dj/1", "/dj/2"}, false},
		{"没有匹配", models.CSSPattern{Selector: ".venue"}, []string{}, false},
		{"无效CSS", models.CSSPattern{Selector: "div[[["}, nil, true},
		{"无效XPath", models.XPathPattern{Expr: "//div[@"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := doc.Eval(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Eval() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDocument_Helpers(t *testing.T) {
	doc := mustDoc(t, listingPage)

	if got := doc.Title(); got != "Warehouse Project" {
		t.Errorf("Title() = %q", got)
	}
	if !doc.Has(".lineup") || doc.Has("#challenge-form") || doc.Has("[[[") {
		t.Error("Has() 结果不正确")
	}
	if v, ok := doc.Attr("a", "href"); !ok || v != "/dj/1" {
		t.Errorf("Attr() = %q, %v", v, ok)
	}
	text := doc.Text()
	if text != "Peggy Gou Honey Dijon £35.00" {
		t.Errorf("Text() = %q", text)
	}
}

func TestDocument_HasOutside(t *testing.T) {
	doc := mustDoc(t, `<html><body>
		<div class="grecaptcha-badge"><iframe src="https://www.google.com/recaptcha/api2/anchor?k=a"></iframe></div>
	</body></html>`)

	if !doc.HasOutside("iframe", "") {
		t.Error("container为空时应等同Has")
	}
	if doc.HasOutside("iframe", ".grecaptcha-badge") {
		t.Error("容器内的元素不应计入")
	}
	if doc.HasOutside("[[[", "") {
		t.Error("无效选择器应返回false")
	}
}

func TestFieldSpec_Accept(t *testing.T) {
	tests := []struct {
		field  string
		values []string
		want   string
		ok     bool
	}{
		{"title", []string{"", "Glitterbox 25th May 2025"}, "Glitterbox 25th May 2025", true},
		{"date", []string{"Tonight", "Sun 25 May"}, "Sun 25 May", true},
		{"date", []string{"2025-05-25T22:00:00Z"}, "2025-05-25T22:00:00Z", true},
		{"date", []string{"25.05.2025"}, "25.05.2025", true},
		{"date", []string{"May the force"}, "", false},
		{"price", []string{"Sold Out"}, "Sold Out", true},
		{"price", []string{"£35.00"}, "£35.00", true},
		{"price", []string{"Tickets"}, "", false},
		{"lineup", []string{"Peggy Gou", "Honey Dijon", "Peggy Gou"}, "Peggy Gou, Honey Dijon", true},
		{"genre", []string{"House"}, "House", true},
	}
	for _, tt := range tests {
		t.Run(tt.field+"/"+tt.want, func(t *testing.T) {
			got, ok := FieldFor(tt.field).Accept(tt.values)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Accept(%q) = %q, %v; want %q, %v", tt.values, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSeeds(t *testing.T) {
	seeds := DefaultSeeds()

	title := seeds.For("example.com", "title")
	if len(title) == 0 || title[0].Key() != "css:h1" {
		t.Fatalf("默认title种子 = %v", title)
	}

	site := seeds.For("ra.co", "title")
	if site[0].Key() != `css:[data-testid="event-title"]` {
		t.Errorf("站点种子应排在默认种子之前: %v", site[0].Key())
	}

	t.Run("从文件合并种子", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seeds.yaml")
		content := "defaults:\n  title:\n    - css:.headline\nsites:\n  example.com:\n    venue:\n      - css:.where\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		merged, err := LoadSeedsFile(path)
		if err != nil {
			t.Fatalf("LoadSeedsFile: %v", err)
		}
		if got := merged.For("other.com", "title"); len(got) != 1 || got[0].Key() != "css:.headline" {
			t.Errorf("文件中的字段应替换内置字段: %v", got)
		}
		if got := merged.For("example.com", "venue"); got[0].Key() != "css:.where" {
			t.Errorf("站点种子 = %v", got)
		}
		if len(merged.For("other.com", "date")) == 0 {
			t.Error("未覆盖的字段应保留内置种子")
		}
	})

	t.Run("无效种子", func(t *testing.T) {
		if _, err := ParseSeeds([]byte("defaults:\n  title:\n    - regex:.*\n")); err == nil {
			t.Error("未知模式类型应报错")
		}
	})
}
