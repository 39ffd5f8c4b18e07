package hostsim

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func eval(t *testing.T, r *Runtime, expr string) any {
	t.Helper()
	v, err := r.Eval(context.Background(), expr)
	require.NoError(t, err, expr)
	return v
}

func TestDefaultHostShowsAutomationTells(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	assert.Equal(t, true, eval(t, r, `navigator.webdriver`))
	assert.Contains(t, eval(t, r, `navigator.userAgent`), "HeadlessChrome/120.0.0.0")
	assert.Contains(t, eval(t, r, `navigator.appVersion`), "HeadlessChrome/120.0.0.0")
	assert.EqualValues(t, 0, eval(t, r, `screen.width`))
	assert.EqualValues(t, 0, eval(t, r, `outerWidth`))
	assert.EqualValues(t, 0, eval(t, r, `navigator.plugins.length`))
	assert.Equal(t, "hidden", eval(t, r, `document.visibilityState`))
	assert.Equal(t, true, eval(t, r, `typeof cdc_adoQpoasnfa76pfcZLmcfl_Array === 'object'`))
	assert.Equal(t, true, eval(t, r, `Object.getOwnPropertyDescriptor(Navigator.prototype, 'webdriver') !== undefined`))
	assert.Equal(t, false, eval(t, r, `Object.prototype.hasOwnProperty.call(navigator, 'webdriver')`))
}

func TestPermissionsDisagreeWithNotification(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	assert.Equal(t, "denied", eval(t, r, `navigator.permissions.query({name: 'notifications'}).then(s => s.state)`))
	assert.Equal(t, "prompt", eval(t, r, `navigator.permissions.query({name: 'geolocation'}).then(s => s.state)`))
	assert.Equal(t, "default", eval(t, r, `Notification.permission`))

	_, err := r.Eval(context.Background(), `navigator.permissions.query({})`)
	assert.ErrorContains(t, err, "promise rejected")
}

func TestDeviceMemoryAbsent(t *testing.T) {
	opts := DefaultOptions()
	opts.DeviceMemory = 0
	r := newRuntime(t, opts)

	assert.Equal(t, false, eval(t, r, `'deviceMemory' in navigator`))
	assert.Nil(t, eval(t, r, `navigator.deviceMemory`))
}

func TestCanvasExport(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	url, ok := eval(t, r, `
		const c = document.createElement('canvas');
		c.width = 4;
		c.height = 2;
		const ctx = c.getContext('2d');
		ctx.fillStyle = 'rgb(10, 20, 30)';
		ctx.fillRect(0, 0, 4, 2);
		c.toDataURL();
	`).(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"), url)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	rr, gg, bb, aa := img.At(3, 1).RGBA()
	assert.Equal(t, []uint32{10, 20, 30, 255}, []uint32{rr >> 8, gg >> 8, bb >> 8, aa >> 8})
}

func TestCanvasContextKindIsSticky(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	assert.Equal(t, true, eval(t, r, `
		const c = document.createElement('canvas');
		c.getContext('webgl') !== null && c.getContext('2d') === null
	`))
	assert.Equal(t, "data:,", eval(t, r, `
		const z = document.createElement('canvas');
		z.width = 0;
		z.toDataURL()
	`))
}

func TestWebGLReportsSwiftShader(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	renderer := eval(t, r, `document.createElement('canvas').getContext('webgl').getParameter(37446)`)
	assert.Contains(t, renderer, "SwiftShader")
	assert.Equal(t, true, eval(t, r, `WebGLRenderingContext.prototype.getParameter !== WebGL2RenderingContext.prototype.getParameter`))
}

func TestOfflineAudioRendering(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	v := eval(t, r, `
		new OfflineAudioContext(1, 64, 44100).startRendering().then(b => b.getChannelData(0)[10])
	`)
	// 0.5 * sin(2π * 440 * 10 / 44100)
	assert.InDelta(t, 0.2933, v, 1e-3)
}

func TestErrorStackIsV8Shaped(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	stack, ok := eval(t, r, `new Error('boom').stack`).(string)
	require.True(t, ok)
	lines := strings.Split(stack, "\n")
	assert.Equal(t, "Error: boom", lines[0])
	assert.Equal(t, "    at __puppeteer_evaluation_script__:3:14", lines[2])
	assert.Equal(t, true, eval(t, r, `new Error('x') instanceof Error && Error('y') instanceof Error`))
	assert.Equal(t, true, eval(t, r, `typeof TypeError('z').message === 'string'`))
	assert.Equal(t, true, eval(t, r, `TypeError('z') instanceof Error && Object.getPrototypeOf(TypeError) === Error`))
	assert.Equal(t, true, eval(t, r, `Error.prototype.constructor === Error && Error.name === 'Error' && Error.length === 1`))
	assert.Equal(t, true, eval(t, r, `
		class AppError extends Error {}
		const e = new AppError('sub');
		e instanceof AppError && e instanceof Error && e.stack.startsWith('Error: sub')`))
}

func TestInstanceofThroughFunctionProxy(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	assert.Equal(t, true, eval(t, r, `
		const P = new Proxy(Error, {});
		new Error('x') instanceof P && !({} instanceof P)`))
	assert.Equal(t, true, eval(t, r, `
		const A = new Proxy(AudioContext, {construct(t, args, nt) { return Reflect.construct(t, args, nt === A ? t : nt); }});
		new A() instanceof A && new A() instanceof BaseAudioContext`))
	assert.Equal(t, true, eval(t, r, `
		class Custom { static [Symbol.hasInstance](v) { return v === 1; } }
		const C = new Proxy(Custom, {});
		(1 instanceof C) && !(new Custom() instanceof C)`))
	assert.Equal(t, "seen", eval(t, r, `
		const G = new Proxy(function F() {}, {get(t, p) { return p === 'tag' ? 'seen' : Reflect.get(t, p); }});
		G.tag`))

	_, err := r.Eval(context.Background(), `Proxy(Error, {})`)
	assert.ErrorContains(t, err, "requires 'new'")
}

func TestIframeHasOwnNavigator(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	assert.Equal(t, true, eval(t, r, `
		const f = document.createElement('iframe');
		f.contentWindow === f.contentWindow &&
			f.contentWindow.navigator.webdriver === true &&
			Object.getPrototypeOf(f.contentWindow.navigator) !== Navigator.prototype
	`))
}

func TestSeededEntropyIsDeterministic(t *testing.T) {
	opts := DefaultOptions()
	opts.Seed = 42
	expr := `Array.from(crypto.getRandomValues(new Uint32Array(8))).join(',')`

	a := eval(t, newRuntime(t, opts), expr)
	b := eval(t, newRuntime(t, opts), expr)
	assert.Equal(t, a, b)

	opts.Seed = 43
	c := eval(t, newRuntime(t, opts), expr)
	assert.NotEqual(t, a, c)
}

func TestNoCrypto(t *testing.T) {
	opts := DefaultOptions()
	opts.Crypto = false
	r := newRuntime(t, opts)

	assert.Equal(t, "undefined", eval(t, r, `typeof crypto`))
}

func TestNewDocumentRunsRegisteredScripts(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t, DefaultOptions())

	r.AddScriptToEvaluateOnNewDocument(`globalThis.runs = (globalThis.runs || 0) + 1;`)
	r.AddScriptToEvaluateOnNewDocument(`throw new Error('broken');`)
	r.AddScriptToEvaluateOnNewDocument(`console.log('after', runs);`)

	for range 2 {
		require.NoError(t, r.NewDocument(ctx))
		assert.EqualValues(t, 1, eval(t, r, `runs`))
	}

	logs := r.Console()
	require.Len(t, logs, 2)
	assert.Equal(t, "error", logs[0].Level)
	assert.Contains(t, logs[0].Message, "broken")
	assert.Equal(t, "after 1", logs[1].Message)
}

func TestEvaluateEncodesNonStrings(t *testing.T) {
	r := newRuntime(t, DefaultOptions())

	s, err := r.Evaluate(context.Background(), `({a: 1, b: [true]})`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":[true]}`, s)

	s, err = r.Evaluate(context.Background(), `'plain'`)
	require.NoError(t, err)
	assert.Equal(t, "plain", s)
}

func TestTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	r := newRuntime(t, opts)

	_, err := r.Eval(context.Background(), `for (;;) {}`)
	require.ErrorIs(t, err, ErrTimeout)

	// The VM stays usable after an interrupt.
	assert.EqualValues(t, 2, eval(t, r, `1 + 1`))
}

func TestContextCancelled(t *testing.T) {
	r := newRuntime(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Eval(ctx, `1`)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClosed(t *testing.T) {
	r, err := New(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Eval(context.Background(), `1`)
	require.ErrorIs(t, err, ErrClosed)
}
