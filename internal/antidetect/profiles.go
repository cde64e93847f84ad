package antidetect

import "github.com/RecoveryAshes/eventharvest/internal/models"

// DefaultProfiles 桌面Chrome指纹集合
// 每条记录的UA、平台、WebGL、语言、时区互相一致,构建指纹时整条抽取,不做拼接
var DefaultProfiles = []models.Fingerprint{
	{
		Name:           "win10-chrome-uk",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:       "Win32",
		Viewport:       models.Viewport{Width: 1920, Height: 1080, DeviceScaleFactor: 1},
		Locale:         "en-GB",
		Languages:      []string{"en-GB", "en"},
		Timezone:       "Europe/London",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 SUPER Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		HardwareCores:  8,
		DeviceMemoryGB: 8,
	},
	{
		Name:           "win11-chrome-de",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Platform:       "Win32",
		Viewport:       models.Viewport{Width: 1536, Height: 864, DeviceScaleFactor: 1.25},
		Locale:         "de-DE",
		Languages:      []string{"de-DE", "de", "en-US", "en"},
		Timezone:       "Europe/Berlin",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) UHD Graphics 620 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		HardwareCores:  4,
		DeviceMemoryGB: 8,
	},
	{
		Name:           "win10-chrome-us",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:       "Win32",
		Viewport:       models.Viewport{Width: 1366, Height: 768, DeviceScaleFactor: 1},
		Locale:         "en-US",
		Languages:      []string{"en-US", "en"},
		Timezone:       "America/New_York",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 580 Series Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		HardwareCores:  6,
		DeviceMemoryGB: 16,
	},
	{
		Name:           "macos-chrome-uk",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Platform:       "MacIntel",
		Viewport:       models.Viewport{Width: 1440, Height: 900, DeviceScaleFactor: 2},
		Locale:         "en-GB",
		Languages:      []string{"en-GB", "en-US", "en"},
		Timezone:       "Europe/London",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M1, Unspecified Version)"},
		HardwareCores:  8,
		DeviceMemoryGB: 8,
	},
	{
		Name:           "macos-chrome-nl",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:       "MacIntel",
		Viewport:       models.Viewport{Width: 1680, Height: 1050, DeviceScaleFactor: 2},
		Locale:         "nl-NL",
		Languages:      []string{"nl-NL", "nl", "en"},
		Timezone:       "Europe/Amsterdam",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)"},
		HardwareCores:  8,
		DeviceMemoryGB: 16,
	},
	{
		Name:           "linux-chrome-us",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Platform:       "Linux x86_64",
		Viewport:       models.Viewport{Width: 1920, Height: 1080, DeviceScaleFactor: 1},
		Locale:         "en-US",
		Languages:      []string{"en-US", "en"},
		Timezone:       "America/Los_Angeles",
		WebGL:          models.WebGLProfile{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Mesa Intel(R) UHD Graphics 630 (CFL GT2), OpenGL 4.6)"},
		HardwareCores:  12,
		DeviceMemoryGB: 8,
	},
}
