package hostsim

import (
	"bytes"
	"context"
	crand "crypto/rand"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

//go:embed host.js
var hostJS string

var (
	// ErrTimeout is returned when an evaluation runs past Options.Timeout.
	ErrTimeout = errors.New("hostsim: evaluation timed out")
	// ErrPending is returned by Eval when the result is a promise that did
	// not settle once the job queue drained.
	ErrPending = errors.New("hostsim: promise still pending")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hostsim: runtime closed")
)

// LogEntry is one console call made by page code.
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}

// Runtime is a simulated browser document backed by a goja VM. A Runtime
// is safe for concurrent use; evaluations are serialised.
type Runtime struct {
	opts Options

	mu      sync.Mutex
	vm      *goja.Runtime
	rng     *rand.Rand
	scripts []string
	console []LogEntry
	closed  bool
}

// New creates a Runtime holding a fresh document for opts.
func New(opts Options) (*Runtime, error) {
	opts.defaults()
	r := &Runtime{opts: opts, rng: newRand(opts.Seed)}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		var key [32]byte
		crand.Read(key[:])
		return rand.New(rand.NewChaCha8(key))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Options returns the options the runtime was created with.
func (r *Runtime) Options() Options { return r.opts }

// AddScriptToEvaluateOnNewDocument registers src to run at the start of
// every document created by NewDocument, in registration order.
func (r *Runtime) AddScriptToEvaluateOnNewDocument(src string) {
	r.mu.Lock()
	r.scripts = append(r.scripts, src)
	r.mu.Unlock()
}

// NewDocument discards the current document and creates a new one, running
// the registered scripts before returning. A throwing script is reported on
// the console as a page would, and does not stop the others.
func (r *Runtime) NewDocument(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.reset(); err != nil {
		return err
	}
	for i, src := range r.scripts {
		if _, err := r.run(ctx, fmt.Sprintf("document-start-%d.js", i), src); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log("error", "Uncaught "+err.Error())
		}
	}
	return nil
}

// Run executes src in the current document.
func (r *Runtime) Run(ctx context.Context, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	_, err := r.run(ctx, "script.js", src)
	return err
}

// Eval evaluates expr and exports its value. A promise result is replaced
// by its settled value.
func (r *Runtime) Eval(ctx context.Context, expr string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	v, err := r.run(ctx, "eval.js", expr)
	if err != nil {
		return nil, err
	}
	v, err = settle(v)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// Evaluate is Eval returning a string: string results as they are, any
// other value as JSON.
func (r *Runtime) Evaluate(ctx context.Context, expr string) (string, error) {
	v, err := r.Eval(ctx, expr)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hostsim: encode result: %w", err)
	}
	return string(data), nil
}

// Console returns the console output of the current document.
func (r *Runtime) Console() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.console...)
}

// Close releases the VM.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.vm = nil
	r.console = nil
	return nil
}

// reset builds a fresh VM with the host environment installed.
func (r *Runtime) reset() error {
	vm := goja.New()
	r.vm = vm
	r.console = nil

	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, r.consoleFunc(level)); err != nil {
			return fmt.Errorf("hostsim: console: %w", err)
		}
	}
	vm.Set("console", console)

	host := vm.NewObject()
	host.Set("random", r.random)
	host.Set("encodePNG", r.encodePNG)

	data, err := json.Marshal(r.opts)
	if err != nil {
		return fmt.Errorf("hostsim: encode options: %w", err)
	}
	opts, err := vm.RunString("(" + string(data) + ")")
	if err != nil {
		return fmt.Errorf("hostsim: options: %w", err)
	}
	prelude, err := vm.RunScript("host.js", hostJS)
	if err != nil {
		return fmt.Errorf("hostsim: prelude: %w", err)
	}
	install, ok := goja.AssertFunction(prelude)
	if !ok {
		return errors.New("hostsim: prelude is not a function")
	}
	if _, err := install(goja.Undefined(), opts, host); err != nil {
		return fmt.Errorf("hostsim: prelude: %w", err)
	}
	return nil
}

// run executes src under the configured timeout and ctx. The caller holds mu.
func (r *Runtime) run(ctx context.Context, name, src string) (goja.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-timer.C:
			r.vm.Interrupt(ErrTimeout)
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := r.vm.RunScript(name, src)
	close(done)
	wg.Wait()
	r.vm.ClearInterrupt()

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			if cause, ok := ie.Value().(error); ok {
				return nil, cause
			}
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("hostsim: %w", err)
	}
	return v, nil
}

// settle unwraps a promise left by an evaluation. The job queue has already
// drained when RunScript returns.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("hostsim: promise rejected: %s", p.Result())
	}
	return nil, ErrPending
}

func (r *Runtime) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		r.log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (r *Runtime) log(level, msg string) {
	r.console = append(r.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
}

// random backs crypto.getRandomValues.
func (r *Runtime) random(call goja.FunctionCall) goja.Value {
	n := call.Argument(0).ToInteger()
	if n < 0 || n > 1<<16 {
		panic(r.vm.NewTypeError("getRandomValues: length %d out of range", n))
	}
	values := make([]any, n)
	for i := range values {
		values[i] = int64(r.rng.Uint32())
	}
	return r.vm.NewArray(values...)
}

// encodePNG renders canvas pixels the way toDataURL does.
func (r *Runtime) encodePNG(call goja.FunctionCall) goja.Value {
	w := int(call.Argument(0).ToInteger())
	h := int(call.Argument(1).ToInteger())
	var pixels []int
	if err := r.vm.ExportTo(call.Argument(2), &pixels); err != nil {
		panic(r.vm.NewTypeError("encodePNG: %v", err))
	}
	if w <= 0 || h <= 0 || len(pixels) != w*h*4 {
		panic(r.vm.NewTypeError("encodePNG: %dx%d does not match %d samples", w, h, len(pixels)))
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, v := range pixels {
		img.Pix[i] = uint8(v)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return r.vm.ToValue(base64.StdEncoding.EncodeToString(buf.Bytes()))
}
