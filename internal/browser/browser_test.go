package browser

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/cloak/stealth"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShouldBlock(t *testing.T) {
	set := blockSetOf([]string{"Images", " fonts", "xhr"})
	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"XHR", true},
		{"Stylesheet", false},
		{"Document", false},
		{"Media", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q) = %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.MemoryLimit != 1<<30 {
		t.Errorf("MemoryLimit = %d, want %d", c.MemoryLimit, 1<<30)
	}
	if c.RecycleInterval != 4*time.Hour {
		t.Errorf("RecycleInterval = %v, want 4h", c.RecycleInterval)
	}
	if c.XvfbDisplay != ":99" {
		t.Errorf("XvfbDisplay = %q, want :99", c.XvfbDisplay)
	}
	if c.Table == nil || c.Logger == nil {
		t.Fatal("Table and Logger must be defaulted")
	}
}

func TestNewManagerRendersScript(t *testing.T) {
	m := NewManager(Config{Logger: quietLogger()})
	if m.Script() == nil {
		t.Fatal("Script() = nil, want rendered script")
	}
	if len(m.scripts) != 2 {
		t.Fatalf("scripts = %d, want 2", len(m.scripts))
	}
	if m.scripts[0] != stealth.Companion() {
		t.Error("companion must be registered first")
	}
	if m.scripts[1] != m.Script().Source {
		t.Error("second document script must be the rendered installer")
	}
}

func TestNewManagerFallsBackOnInvalidTable(t *testing.T) {
	tbl := stealth.DefaultTable()
	tbl.Nonce = ""
	m := NewManager(Config{Table: tbl, Logger: quietLogger()})
	if m.Script() != nil {
		t.Fatal("Script() should be nil when the table is rejected")
	}
	if got := m.scripts[len(m.scripts)-1]; got != stealth.Fallback() {
		t.Errorf("last script = %q, want fallback", got)
	}
}

func TestLaunchFlags(t *testing.T) {
	got := launchFlags(map[string]string{"lang": "en-US", "disable-blink-features": "AutomationControlled,Foo"})
	if got["lang"] != "en-US" {
		t.Errorf("lang = %q", got["lang"])
	}
	if got["disable-blink-features"] != "AutomationControlled,Foo" {
		t.Errorf("extra flags must override the base switch, got %q", got["disable-blink-features"])
	}
	if base := launchFlags(nil); base["disable-blink-features"] != "AutomationControlled" {
		t.Errorf("base flags = %v", base)
	}
}

func TestXvfbArgsFollowProfileScreen(t *testing.T) {
	tbl := stealth.DefaultTable()
	w, h := screenValue(tbl, "width"), screenValue(tbl, "height")
	args := strings.Join(xvfbArgs(":42", w, h), " ")
	if args != ":42 -screen 0 1920x1080x24 -ac" {
		t.Errorf("args = %q", args)
	}
	if got := strings.Join(xvfbArgs(":1", 0, 0), " "); got != ":1 -screen 0 1920x1080x24 -ac" {
		t.Errorf("default args = %q", got)
	}
	if got := screenValue(nil, "width"); got != 0 {
		t.Errorf("screenValue(nil) = %d, want 0", got)
	}
}

func TestModeString(t *testing.T) {
	if ModeHeadless.String() != "headless" || ModeHeadful.String() != "headful" {
		t.Errorf("unexpected mode names %s %s", ModeHeadless, ModeHeadful)
	}
}
