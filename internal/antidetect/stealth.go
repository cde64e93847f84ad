package antidetect

import (
	"encoding/json"
	"fmt"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/go-rod/stealth"
)

// fingerprintOverrideJS 按指纹覆盖navigator与WebGL参数
// stealth.JS 负责通用的webdriver/plugins/chrome.runtime修补,这里只补与指纹相关的部分
const fingerprintOverrideJS = `(() => {
  const fp = %s;
  const define = (obj, prop, value) => {
    try {
      Object.defineProperty(obj, prop, { get: () => value, configurable: true });
    } catch (e) {}
  };

  define(Navigator.prototype, 'platform', fp.platform);
  define(Navigator.prototype, 'languages', Object.freeze(fp.languages.slice()));
  define(Navigator.prototype, 'language', fp.languages[0] || fp.locale);
  if (fp.cores > 0) define(Navigator.prototype, 'hardwareConcurrency', fp.cores);
  if (fp.memory > 0) define(Navigator.prototype, 'deviceMemory', fp.memory);

  const UNMASKED_VENDOR = 0x9245;
  const UNMASKED_RENDERER = 0x9246;
  const patch = (proto) => {
    if (!proto) return;
    const original = proto.getParameter;
    proto.getParameter = function (param) {
      if (param === UNMASKED_VENDOR) return fp.webglVendor;
      if (param === UNMASKED_RENDERER) return fp.webglRenderer;
      return original.call(this, param);
    };
  };
  patch(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patch(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  define(screen, 'width', fp.width);
  define(screen, 'height', fp.height);
  define(screen, 'availWidth', fp.width);
  define(screen, 'availHeight', fp.height - 40);
})();`

type overrideParams struct {
	Platform      string   `json:"platform"`
	Languages     []string `json:"languages"`
	Locale        string   `json:"locale"`
	Cores         int      `json:"cores"`
	Memory        int      `json:"memory"`
	WebGLVendor   string   `json:"webglVendor"`
	WebGLRenderer string   `json:"webglRenderer"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
}

// FingerprintScript 生成指纹覆盖脚本
func FingerprintScript(fp models.Fingerprint) string {
	langs := fp.Languages
	if len(langs) == 0 && fp.Locale != "" {
		langs = []string{fp.Locale}
	}
	params, err := json.Marshal(overrideParams{
		Platform:      fp.Platform,
		Languages:     langs,
		Locale:        fp.Locale,
		Cores:         fp.HardwareCores,
		Memory:        fp.DeviceMemoryGB,
		WebGLVendor:   fp.WebGL.Vendor,
		WebGLRenderer: fp.WebGL.Renderer,
		Width:         fp.Viewport.Width,
		Height:        fp.Viewport.Height,
	})
	if err != nil {
		// 只包含基本类型,不会失败
		params = []byte("{}")
	}
	return fmt.Sprintf(fingerprintOverrideJS, params)
}

// StealthInitScript 新文档加载前注入的完整脚本
func StealthInitScript(fp models.Fingerprint) string {
	return stealth.JS + "\n;" + FingerprintScript(fp)
}
