package stealth

// Plugin describes one entry of the spoofed navigator.plugins list.
type Plugin struct {
	Name        string `json:"name" yaml:"name"`
	Filename    string `json:"filename" yaml:"filename"`
	Description string `json:"description" yaml:"description"`
	Length      int    `json:"length" yaml:"length"`
}

// Screen holds the dimensions reported when the host reports zero.
type Screen struct {
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	AvailWidth  int `yaml:"avail_width"`
	AvailHeight int `yaml:"avail_height"`
}

// Profile is the human-facing description of the browser to impersonate.
// NewTable turns it into the installer's patch table.
type Profile struct {
	Languages           []string `yaml:"languages"`
	HardwareConcurrency int      `yaml:"hardware_concurrency"`
	DeviceMemory        int      `yaml:"device_memory"`
	Plugins             []Plugin `yaml:"plugins"`

	WebGLVendor   string `yaml:"webgl_vendor"`
	WebGLRenderer string `yaml:"webgl_renderer"`

	Screen Screen `yaml:"screen"`

	RTTBaseMs          int `yaml:"rtt_base_ms"`
	RTTJitterMs        int `yaml:"rtt_jitter_ms"`
	NavigationJitterMs int `yaml:"navigation_jitter_ms"`

	FrameMarkers []string `yaml:"frame_markers"`
	Banner       string   `yaml:"banner"`

	Noise    Noise    `yaml:"noise"`
	Features Features `yaml:"features"`
}

// DefaultPlugins is the plugin list of a stock desktop Chrome.
var DefaultPlugins = []Plugin{
	{Name: "Chrome PDF Plugin", Filename: "internal-pdf-viewer", Description: "Portable Document Format", Length: 1},
	{Name: "Chrome PDF Viewer", Filename: "mhjfbmdgcfjbbpaeojofohoefgiehjai", Length: 1},
	{Name: "Native Client", Filename: "internal-nacl-plugin", Length: 2},
}

// DefaultMarkers lists the globals left by chromedriver and Playwright.
var DefaultMarkers = []MarkerSet{
	{Framework: "chromedriver", Globals: []string{
		"cdc_adoQpoasnfa76pfcZLmcfl_Array",
		"cdc_adoQpoasnfa76pfcZLmcfl_Promise",
		"cdc_adoQpoasnfa76pfcZLmcfl_Symbol",
	}},
	{Framework: "playwright", Globals: []string{
		"__playwright",
		"__pw_manual",
		"__PW_inspect",
	}},
}

// DefaultNoise is the sub-perceptual perturbation policy.
func DefaultNoise() Noise {
	return Noise{
		CanvasProbability: 0.001,
		CanvasDelta:       1,
		AudioAmplitude:    1e-7,
		TimingJitterMs:    5,
	}
}

// DefaultProfile impersonates an 8-core desktop Chrome with Intel graphics.
func DefaultProfile() Profile {
	return Profile{
		Languages:           []string{"de-CH", "de", "en-US", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		Plugins:             DefaultPlugins,
		WebGLVendor:         "Intel Inc.",
		WebGLRenderer:       "Intel Iris OpenGL Engine",
		Screen:              Screen{Width: 1920, Height: 1080, AvailWidth: 1920, AvailHeight: 1040},
		RTTBaseMs:           50,
		RTTJitterMs:         50,
		NavigationJitterMs:  1000,
		FrameMarkers:        []string{"__puppeteer_evaluation_script__"},
		Banner:              "🛡️ Stealth mode activated - bot detection evasion enabled",
		Noise:               DefaultNoise(),
		Features: Features{
			Canvas:      true,
			WebGL:       true,
			Audio:       true,
			Stack:       true,
			Permissions: true,
			Frames:      true,
			Clock:       true,
		},
	}
}

var chromeRuntime = map[string]any{
	"OnInstalledReason": map[string]string{
		"CHROME_UPDATE":        "chrome_update",
		"INSTALL":              "install",
		"SHARED_MODULE_UPDATE": "shared_module_update",
		"UPDATE":               "update",
	},
	"OnRestartRequiredReason": map[string]string{
		"APP_UPDATE": "app_update",
		"OS_UPDATE":  "os_update",
		"PERIODIC":   "periodic",
	},
	"PlatformArch": map[string]string{
		"ARM": "arm", "ARM64": "arm64", "MIPS": "mips", "MIPS64": "mips64",
		"X86_32": "x86-32", "X86_64": "x86-64",
	},
	"PlatformNaclArch": map[string]string{
		"ARM": "arm", "MIPS": "mips", "MIPS64": "mips64",
		"X86_32": "x86-32", "X86_64": "x86-64",
	},
	"PlatformOs": map[string]string{
		"ANDROID": "android", "CROS": "cros", "LINUX": "linux", "MAC": "mac",
		"OPENBSD": "openbsd", "WIN": "win",
	},
	"RequestUpdateCheckStatus": map[string]string{
		"NO_UPDATE":        "no_update",
		"THROTTLED":        "throttled",
		"UPDATE_AVAILABLE": "update_available",
	},
}

// spoof is a navigator-style setting: configurable and enumerable like the
// genuine accessor on the prototype.
func spoof(owner, prop string, value any) Override {
	return Override{Owner: owner, Property: prop, Value: value, Enumerable: true, Configurable: true, Inherited: true}
}

// NewTable builds the patch table for p with a fresh nonce.
func NewTable(p Profile) *Table {
	t := &Table{
		Nonce:  NewNonce(),
		Banner: p.Banner,
		WebGL:  WebGL{Vendor: p.WebGLVendor, Renderer: p.WebGLRenderer},
		Hidden: []Selector{{Owner: "Navigator.prototype", Property: "webdriver"}},
		Rewrites: []Rewrite{
			{Property: "userAgent", From: "HeadlessChrome", To: "Chrome"},
			{Property: "appVersion", From: "HeadlessChrome", To: "Chrome"},
		},
		Permissions:  map[string]string{"notifications": ""},
		FrameMarkers: append([]string(nil), p.FrameMarkers...),
		StackCap:     DefaultStackCap,
		Noise:        p.Noise,
		Features:     p.Features,
	}
	for _, m := range DefaultMarkers {
		t.Markers = append(t.Markers, MarkerSet{Framework: m.Framework, Globals: append([]string(nil), m.Globals...)})
	}

	t.Overrides = append(t.Overrides, spoof("navigator", "webdriver", false))
	if len(p.Plugins) > 0 {
		o := spoof("navigator", "plugins", p.Plugins)
		o.Producer = ProducerPlugins
		t.Overrides = append(t.Overrides, o)
	}
	if len(p.Languages) > 0 {
		t.Overrides = append(t.Overrides, spoof("navigator", "languages", p.Languages))
	}
	if p.HardwareConcurrency > 0 {
		t.Overrides = append(t.Overrides, spoof("navigator", "hardwareConcurrency", p.HardwareConcurrency))
	}
	if p.DeviceMemory > 0 {
		o := spoof("navigator", "deviceMemory", p.DeviceMemory)
		o.Optional = true
		t.Overrides = append(t.Overrides, o)
	}
	t.Overrides = append(t.Overrides, Override{
		Owner: "navigator", Property: "getBattery", Producer: ProducerBattery,
		Value:    map[string]any{"charging": true, "level": 1},
		Optional: true, Inherited: true, Method: true, Enumerable: true, Configurable: true,
	})
	t.Overrides = append(t.Overrides, Override{
		Owner: "chrome", Property: "runtime", Producer: ProducerChromeRuntime,
		Value: chromeRuntime, Configurable: true,
	})
	if p.RTTBaseMs > 0 || p.RTTJitterMs > 0 {
		o := spoof("navigator.connection", "rtt", map[string]int{"base": p.RTTBaseMs, "jitter": p.RTTJitterMs})
		o.Producer = ProducerJitter
		t.Overrides = append(t.Overrides, o)
	}
	if p.NavigationJitterMs > 0 {
		o := spoof("performance.timing", "navigationStart", map[string]int{"jitter": p.NavigationJitterMs})
		o.Producer = ProducerSinceInstall
		t.Overrides = append(t.Overrides, o)
	}

	if s := p.Screen; s.Width > 0 && s.Height > 0 {
		for _, dim := range []struct {
			prop  string
			value int
		}{
			{"width", s.Width},
			{"height", s.Height},
			{"availWidth", s.AvailWidth},
			{"availHeight", s.AvailHeight},
		} {
			if dim.value <= 0 {
				continue
			}
			o := spoof("screen", dim.prop, dim.value)
			o.OnlyIfZero = true
			t.Overrides = append(t.Overrides, o)
		}
		t.Overrides = append(t.Overrides,
			Override{Owner: "window", Property: "outerWidth", Value: s.Width, Enumerable: true, Configurable: true, OnlyIfZero: true},
			Override{Owner: "window", Property: "outerHeight", Value: s.Height, Enumerable: true, Configurable: true, OnlyIfZero: true},
		)
	}

	t.Overrides = append(t.Overrides,
		Override{Owner: "Notification", Property: "permission", Value: "default", Enumerable: true, Configurable: true},
		spoof("document", "hidden", false),
		spoof("document", "visibilityState", "visible"),
	)
	return t
}

// DefaultTable is NewTable(DefaultProfile()).
func DefaultTable() *Table {
	return NewTable(DefaultProfile())
}
