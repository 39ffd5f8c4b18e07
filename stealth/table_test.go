package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableIsValid(t *testing.T) {
	tbl := DefaultTable()
	require.NoError(t, tbl.Validate())
	assert.True(t, strings.HasPrefix(tbl.Nonce, "cloak:"))
	assert.Equal(t, DefaultStackCap, tbl.StackCap)
	assert.Equal(t, []Selector{{Owner: "Navigator.prototype", Property: "webdriver"}}, tbl.Hidden)
	assert.Equal(t, map[string]string{"notifications": ""}, tbl.Permissions)
}

func TestNewTableNoncesDiffer(t *testing.T) {
	a, b := DefaultTable(), DefaultTable()
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func overridesOf(tbl *Table) map[string]Override {
	out := make(map[string]Override)
	for _, o := range tbl.Overrides {
		out[o.Owner+"."+o.Property] = o
	}
	return out
}

func TestNewTableFromProfile(t *testing.T) {
	p := DefaultProfile()
	p.DeviceMemory = 0
	p.RTTBaseMs, p.RTTJitterMs = 0, 0
	p.Screen = Screen{}

	got := overridesOf(NewTable(p))

	assert.NotContains(t, got, "navigator.deviceMemory")
	assert.NotContains(t, got, "navigator.connection.rtt")
	assert.NotContains(t, got, "screen.width")
	assert.NotContains(t, got, "window.outerWidth")

	wd := got["navigator.webdriver"]
	assert.Equal(t, false, wd.Value)
	assert.True(t, wd.Inherited)
	assert.True(t, wd.Configurable)

	battery := got["navigator.getBattery"]
	assert.True(t, battery.Method)
	assert.True(t, battery.Optional)
	assert.Equal(t, ProducerBattery, battery.Producer)

	assert.Equal(t, ProducerPlugins, got["navigator.plugins"].Producer)
	assert.Equal(t, ProducerChromeRuntime, got["chrome.runtime"].Producer)
	assert.Equal(t, ProducerSinceInstall, got["performance.timing.navigationStart"].Producer)
}

func TestNewTableScreenOnlyIfZero(t *testing.T) {
	got := overridesOf(DefaultTable())
	for _, key := range []string{"screen.width", "screen.height", "screen.availWidth", "screen.availHeight", "window.outerWidth", "window.outerHeight"} {
		o, ok := got[key]
		require.True(t, ok, key)
		assert.True(t, o.OnlyIfZero, key)
	}
}

func TestNewTableCopiesProfileSlices(t *testing.T) {
	p := DefaultProfile()
	tbl := NewTable(p)
	p.FrameMarkers[0] = "changed"
	assert.Equal(t, "__puppeteer_evaluation_script__", tbl.FrameMarkers[0])

	tbl.Markers[0].Globals[0] = "changed"
	assert.Equal(t, "cdc_adoQpoasnfa76pfcZLmcfl_Array", DefaultMarkers[0].Globals[0])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Table)
		want   string
	}{
		{"empty nonce", func(t *Table) { t.Nonce = "" }, "nonce is empty"},
		{"override without owner", func(t *Table) {
			t.Overrides = append(t.Overrides, Override{Property: "x"})
		}, "owner and property are required"},
		{"unknown producer", func(t *Table) {
			t.Overrides = append(t.Overrides, Override{Owner: "navigator", Property: "x", Producer: "eval"})
		}, `unknown producer "eval"`},
		{"method without producer", func(t *Table) {
			t.Overrides = append(t.Overrides, Override{Owner: "navigator", Property: "x", Method: true})
		}, "method overrides need a producer"},
		{"overlapping markers", func(t *Table) {
			t.Markers = append(t.Markers, MarkerSet{Framework: "puppeteer", Globals: []string{"__playwright"}})
		}, "listed by both playwright and puppeteer"},
		{"rewrite reintroduces token", func(t *Table) {
			t.Rewrites = append(t.Rewrites, Rewrite{Property: "userAgent", From: "Chrome", To: "HeadlessChrome"})
		}, "reintroduces"},
		{"rewrite without from", func(t *Table) {
			t.Rewrites = append(t.Rewrites, Rewrite{Property: "userAgent"})
		}, "property and from are required"},
		{"blank frame marker", func(t *Table) { t.FrameMarkers = append(t.FrameMarkers, "  ") }, "frame marker is blank"},
		{"negative stack cap", func(t *Table) { t.StackCap = -1 }, "stack cap -1 is negative"},
		{"canvas probability too high", func(t *Table) { t.Noise.CanvasProbability = 0.5 }, "canvas probability"},
		{"canvas probability zero", func(t *Table) { t.Noise.CanvasProbability = 0 }, "canvas probability"},
		{"canvas delta", func(t *Table) { t.Noise.CanvasDelta = 2 }, "canvas delta 2"},
		{"audio amplitude at old bound", func(t *Table) { t.Noise.AudioAmplitude = 2e-6 }, "audio amplitude"},
		{"audio amplitude just above bound", func(t *Table) { t.Noise.AudioAmplitude = 1.99e-6 }, "outside (0, 1e-6]"},
		{"audio amplitude zero", func(t *Table) { t.Noise.AudioAmplitude = 0 }, "audio amplitude"},
		{"negative timing jitter", func(t *Table) { t.Noise.TimingJitterMs = -5 }, "timing jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := DefaultTable()
			tt.mutate(tbl)
			err := tbl.Validate()
			require.ErrorIs(t, err, ErrInvalidTable)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAudioAmplitudeUpperBoundIsValid(t *testing.T) {
	tbl := DefaultTable()
	tbl.Noise.AudioAmplitude = 1e-6
	assert.NoError(t, tbl.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	tbl := DefaultTable()
	tbl.Nonce = ""
	tbl.StackCap = -1
	tbl.Noise.CanvasDelta = 0

	err := tbl.Validate()
	require.Error(t, err)
	for _, want := range []string{"nonce is empty", "stack cap", "canvas delta"} {
		assert.Contains(t, err.Error(), want)
	}
}
