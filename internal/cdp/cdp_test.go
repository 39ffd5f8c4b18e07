package cdp

import (
	"testing"

	"github.com/chromedp/chromedp"

	"github.com/hazyhaar/cloak/stealth"
)

func TestSwitches(t *testing.T) {
	sw := switches(Config{Headless: true, Flags: map[string]string{"lang": "fr-FR", "mute-audio": ""}})

	if sw["disable-blink-features"] != "AutomationControlled" {
		t.Errorf("disable-blink-features = %v", sw["disable-blink-features"])
	}
	if sw["enable-automation"] != false {
		t.Errorf("enable-automation = %v, want false", sw["enable-automation"])
	}
	if _, ok := sw["exclude-switches"]; ok {
		t.Error("exclude-switches is a chromedriver capability, not a command-line switch")
	}
	if sw["headless"] != true {
		t.Errorf("headless = %v, want true", sw["headless"])
	}
	if sw["lang"] != "fr-FR" {
		t.Errorf("lang = %v", sw["lang"])
	}
	if sw["mute-audio"] != true {
		t.Errorf("empty flag value should become a boolean switch, got %v", sw["mute-audio"])
	}
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	opts := AllocatorOptions(Config{ExecPath: "/usr/bin/chromium", ProxyServer: "http://127.0.0.1:8080"})
	// defaults + one per switch + window size + exec path + proxy
	want := len(switches(Config{})) + 3
	if got := len(opts) - len(chromedp.DefaultExecAllocatorOptions); got != want {
		t.Errorf("extra options = %d, want %d", got, want)
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.WindowWidth != 1920 || c.WindowHeight != 1080 {
		t.Errorf("window = %dx%d", c.WindowWidth, c.WindowHeight)
	}
	if c.Table == nil || c.Table.Validate() != nil {
		t.Error("default table must be valid")
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"hello"`, "hello"},
		{`{"checks":[]}`, `{"checks":[]}`},
		{`42`, `42`},
		{`null`, ""},
		{``, ``},
	}
	for _, tt := range tests {
		if got := decodeValue([]byte(tt.raw)); got != tt.want {
			t.Errorf("decodeValue(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestInjectOrder(t *testing.T) {
	s := stealth.MustBuild(stealth.DefaultTable())
	scripts := stealth.DocumentScripts(s)
	if scripts[0] != stealth.Companion() || scripts[1] != s.Source {
		t.Error("companion must precede the installer")
	}
	if Inject(scripts...) == nil {
		t.Error("Inject returned nil action")
	}
}
