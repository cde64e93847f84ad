package models

import (
	"fmt"
	"strings"
)

// Viewport 视口尺寸
type Viewport struct {
	Width             int     `json:"width" yaml:"width"`
	Height            int     `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor" yaml:"device_scale_factor"`
}

// WebGLProfile WebGL供应商与渲染器
type WebGLProfile struct {
	Vendor   string `json:"vendor" yaml:"vendor"`
	Renderer string `json:"renderer" yaml:"renderer"`
}

// Fingerprint 浏览器指纹
// 每个会话创建时生成一次,会话内保持不变
type Fingerprint struct {
	Name           string       `json:"name" yaml:"name"`
	UserAgent      string       `json:"user_agent" yaml:"user_agent"`
	Platform       string       `json:"platform" yaml:"platform"`
	Viewport       Viewport     `json:"viewport" yaml:"viewport"`
	Locale         string       `json:"locale" yaml:"locale"`
	Languages      []string     `json:"languages" yaml:"languages"`
	Timezone       string       `json:"timezone" yaml:"timezone"`
	WebGL          WebGLProfile `json:"webgl" yaml:"webgl"`
	HardwareCores  int          `json:"hardware_cores" yaml:"hardware_cores"`
	DeviceMemoryGB int          `json:"device_memory_gb" yaml:"device_memory_gb"`
}

// AcceptLanguage 根据语言列表生成Accept-Language头
func (f Fingerprint) AcceptLanguage() string {
	if len(f.Languages) == 0 {
		return f.Locale
	}
	parts := []string{f.Languages[0]}
	q := 9
	for _, lang := range f.Languages[1:] {
		if q < 1 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", lang, q))
		q--
	}
	return strings.Join(parts, ",")
}
