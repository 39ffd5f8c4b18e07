package hostsim

import (
	"strings"
	"time"
)

// HeadlessUserAgent is the user agent of a stock headless Chrome 120.
const HeadlessUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"

// Screen is the geometry reported by window.screen.
type Screen struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	AvailWidth  int `json:"availWidth"`
	AvailHeight int `json:"availHeight"`
}

// Options describes the host the simulated page runs in. The zero value
// of each field is what a fresh headless Chrome would report where that
// makes sense; DefaultOptions fills in the rest.
type Options struct {
	UserAgent           string   `json:"userAgent"`
	AppVersion          string   `json:"appVersion,omitempty"`
	Platform            string   `json:"platform"`
	Webdriver           bool     `json:"webdriver"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	// DeviceMemory of 0 leaves navigator.deviceMemory undefined.
	DeviceMemory int `json:"deviceMemory"`

	Screen      Screen `json:"screen"`
	OuterWidth  int    `json:"outerWidth"`
	OuterHeight int    `json:"outerHeight"`
	Hidden      bool   `json:"hidden"`
	RTT         int    `json:"rtt"`

	NotificationPermission string `json:"notificationPermission"`
	// NotificationQueryState is what permissions.query reports for
	// notifications. Headless Chrome answers "denied" while
	// Notification.permission says "default".
	NotificationQueryState string `json:"notificationQueryState"`

	WebGL         bool   `json:"webgl"`
	WebGL2        bool   `json:"webgl2"`
	WebGLVendor   string `json:"webglVendor"`
	WebGLRenderer string `json:"webglRenderer"`

	Audio   bool `json:"audio"`
	Battery bool `json:"battery"`
	Crypto  bool `json:"crypto"`
	Chrome  bool `json:"chrome"`

	// Markers are globals planted before any script runs, as automation
	// frameworks do.
	Markers []string `json:"markers"`
	// StackFrames are the frames every new Error reports, without the
	// leading "at".
	StackFrames []string `json:"stackFrames"`

	// Seed makes the host entropy source deterministic when non-zero.
	Seed uint64 `json:"seed,omitempty"`
	// Timeout bounds a single evaluation. Default: 5s.
	Timeout time.Duration `json:"-"`
}

// DefaultMarkers are the globals chromedriver and Playwright leave behind.
var DefaultMarkers = []string{
	"cdc_adoQpoasnfa76pfcZLmcfl_Array",
	"cdc_adoQpoasnfa76pfcZLmcfl_Promise",
	"cdc_adoQpoasnfa76pfcZLmcfl_Symbol",
	"__playwright",
	"__pw_manual",
	"__PW_inspect",
}

// DefaultStackFrames mix page frames with frames of an injected evaluation
// script.
var DefaultStackFrames = []string{
	"Object.fetchData (https://example.test/app.js:12:7)",
	"__puppeteer_evaluation_script__:3:14",
	"evaluate (__puppeteer_evaluation_script__:7:2)",
	"https://example.test/app.js:20:1",
}

// DefaultOptions models a freshly launched headless Chrome under automation.
func DefaultOptions() Options {
	return Options{
		UserAgent:              HeadlessUserAgent,
		Platform:               "Linux x86_64",
		Webdriver:              true,
		Languages:              []string{"en-US"},
		HardwareConcurrency:    2,
		DeviceMemory:           8,
		Hidden:                 true,
		NotificationPermission: "default",
		NotificationQueryState: "denied",
		WebGL:                  true,
		WebGL2:                 true,
		WebGLVendor:            "Google Inc. (Google)",
		WebGLRenderer:          "ANGLE (Google, Vulkan 1.3.0 (SwiftShader Device (Subzero) (0x0000C0DE)), SwiftShader driver)",
		Audio:                  true,
		Battery:                true,
		Crypto:                 true,
		Chrome:                 true,
		Markers:                append([]string(nil), DefaultMarkers...),
		StackFrames:            append([]string(nil), DefaultStackFrames...),
		Timeout:                5 * time.Second,
	}
}

func (o *Options) defaults() {
	if o.UserAgent == "" {
		o.UserAgent = HeadlessUserAgent
	}
	if o.AppVersion == "" {
		o.AppVersion = strings.TrimPrefix(o.UserAgent, "Mozilla/")
	}
	if len(o.Languages) == 0 {
		o.Languages = []string{"en-US"}
	}
	if o.NotificationPermission == "" {
		o.NotificationPermission = "default"
	}
	if o.NotificationQueryState == "" {
		o.NotificationQueryState = "prompt"
	}
	if o.Markers == nil {
		o.Markers = []string{}
	}
	if o.StackFrames == nil {
		o.StackFrames = []string{}
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}
