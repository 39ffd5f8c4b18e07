package stealth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTable is returned by Validate and Build for tables the installer
// would not be able to honour.
var ErrInvalidTable = errors.New("stealth: invalid table")

// Value producers understood by the installer. A producer receives the
// override's Value as its argument and returns the getter body.
const (
	ProducerPlugins       = "plugins"
	ProducerBattery       = "battery"
	ProducerChromeRuntime = "chromeRuntime"
	ProducerJitter        = "jitter"
	ProducerSinceInstall  = "sinceInstall"
)

var knownProducers = map[string]bool{
	ProducerPlugins:       true,
	ProducerBattery:       true,
	ProducerChromeRuntime: true,
	ProducerJitter:        true,
	ProducerSinceInstall:  true,
}

// UnmaskedVendor and UnmaskedRenderer are the WEBGL_debug_renderer_info
// parameter codes normalised by the installer.
const (
	UnmaskedVendor   = 37445
	UnmaskedRenderer = 37446
)

// DefaultStackCap bounds the stack text the sanitizer will rewrite.
const DefaultStackCap = 200_000

// Override redefines Owner.Property so that reads return a synthetic value.
type Override struct {
	// Owner is a dotted path from the global object, e.g. "navigator",
	// "navigator.connection", "performance.timing".
	Owner    string `json:"owner"`
	Property string `json:"property"`
	Value    any    `json:"value,omitempty"`
	Producer string `json:"producer,omitempty"`

	Enumerable   bool `json:"enumerable"`
	Configurable bool `json:"configurable"`

	// Optional skips the override when the host lacks the property.
	Optional bool `json:"optional,omitempty"`
	// Inherited redefines the property on the prototype that owns it,
	// after deleting the inherited definition.
	Inherited bool `json:"inherited,omitempty"`
	// OnlyIfZero applies the override only while the host reports 0.
	OnlyIfZero bool `json:"onlyIfZero,omitempty"`
	// Method defines the produced function as a data property instead of
	// a getter.
	Method bool `json:"method,omitempty"`
}

// Selector names a property on an owner resolved from the global object.
type Selector struct {
	Owner    string `json:"owner"`
	Property string `json:"property"`
}

// MarkerSet is the group of globals one remote-control framework leaves
// behind in the page.
type MarkerSet struct {
	Framework string   `json:"framework"`
	Globals   []string `json:"globals"`
}

// Rewrite replaces every occurrence of From with To in a navigator string.
type Rewrite struct {
	Property string `json:"property"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// WebGL holds the canonical strings returned for the unmasked vendor and
// renderer queries.
type WebGL struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

// Noise is the perturbation policy shared by the noise-injecting interceptors.
type Noise struct {
	// CanvasProbability is the chance each channel sample is perturbed.
	CanvasProbability float64 `json:"canvasProbability" yaml:"canvas_probability"`
	// CanvasDelta is the maximum absolute change of a perturbed sample.
	CanvasDelta int `json:"canvasDelta" yaml:"canvas_delta"`
	// AudioAmplitude scales (u-0.5) added to every audio sample.
	AudioAmplitude float64 `json:"audioAmplitude" yaml:"audio_amplitude"`
	// TimingJitterMs bounds the jitter added to Date.now.
	TimingJitterMs int `json:"timingJitterMs" yaml:"timing_jitter_ms"`
}

// Features toggles the behavioral interceptors.
type Features struct {
	Canvas      bool `json:"canvas" yaml:"canvas"`
	WebGL       bool `json:"webgl" yaml:"webgl"`
	Audio       bool `json:"audio" yaml:"audio"`
	Stack       bool `json:"stack" yaml:"stack"`
	Permissions bool `json:"permissions" yaml:"permissions"`
	Frames      bool `json:"frames" yaml:"frames"`
	Clock       bool `json:"clock" yaml:"clock"`
}

// Table is the complete patch table handed to the installer. It is built
// once, validated, serialised into the script and never mutated afterwards.
type Table struct {
	// Nonce keys the installation record so a second run of the same
	// script on the same document can find the first one.
	Nonce  string `json:"nonce"`
	Banner string `json:"banner,omitempty"`

	Overrides []Override  `json:"overrides"`
	Hidden    []Selector  `json:"hidden"`
	Markers   []MarkerSet `json:"markers"`
	Rewrites  []Rewrite   `json:"rewrites"`

	WebGL WebGL `json:"webgl"`
	// Permissions maps permission names to the state the patched query
	// reports. An empty state mirrors Notification.permission.
	Permissions map[string]string `json:"permissions"`

	FrameMarkers []string `json:"frameMarkers"`
	StackCap     int      `json:"stackCap"`

	Noise    Noise    `json:"noise"`
	Features Features `json:"features"`
}

// NewNonce returns a fresh random installation nonce.
func NewNonce() string {
	return "cloak:" + rand.Text()
}

// Validate checks the invariants the installer relies on.
func (t *Table) Validate() error {
	var errs []error
	if t.Nonce == "" {
		errs = append(errs, errors.New("nonce is empty"))
	}
	for i, o := range t.Overrides {
		if o.Owner == "" || o.Property == "" {
			errs = append(errs, fmt.Errorf("override %d: owner and property are required", i))
		}
		if o.Producer != "" && !knownProducers[o.Producer] {
			errs = append(errs, fmt.Errorf("override %s.%s: unknown producer %q", o.Owner, o.Property, o.Producer))
		}
		if o.Method && o.Producer == "" {
			errs = append(errs, fmt.Errorf("override %s.%s: method overrides need a producer", o.Owner, o.Property))
		}
	}
	seen := make(map[string]string)
	for _, m := range t.Markers {
		for _, name := range m.Globals {
			if prev, ok := seen[name]; ok && prev != m.Framework {
				errs = append(errs, fmt.Errorf("marker %q listed by both %s and %s", name, prev, m.Framework))
			}
			seen[name] = m.Framework
		}
	}
	for _, rw := range t.Rewrites {
		if rw.Property == "" || rw.From == "" {
			errs = append(errs, fmt.Errorf("rewrite %q: property and from are required", rw.Property))
		}
		if strings.Contains(rw.To, rw.From) {
			errs = append(errs, fmt.Errorf("rewrite %s: replacement %q reintroduces %q", rw.Property, rw.To, rw.From))
		}
	}
	for _, m := range t.FrameMarkers {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, errors.New("frame marker is blank"))
		}
	}
	if t.StackCap < 0 {
		errs = append(errs, fmt.Errorf("stack cap %d is negative", t.StackCap))
	}
	errs = append(errs, t.Noise.validate()...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidTable, errors.Join(errs...))
}

func (n Noise) validate() []error {
	var errs []error
	if n.CanvasProbability <= 0 || n.CanvasProbability > 0.01 {
		errs = append(errs, fmt.Errorf("canvas probability %g outside (0, 0.01]", n.CanvasProbability))
	}
	if n.CanvasDelta != 1 {
		errs = append(errs, fmt.Errorf("canvas delta %d, want 1", n.CanvasDelta))
	}
	// |(u-0.5)*a| <= a/2, leaving headroom for float32 rounding below 1e-6.
	if n.AudioAmplitude <= 0 || n.AudioAmplitude > 1e-6 {
		errs = append(errs, fmt.Errorf("audio amplitude %g outside (0, 1e-6]", n.AudioAmplitude))
	}
	if n.TimingJitterMs < 0 {
		errs = append(errs, fmt.Errorf("timing jitter %dms is negative", n.TimingJitterMs))
	}
	return errs
}
