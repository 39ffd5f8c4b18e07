// Package cdp drives Chrome through chromedp and registers the stealth
// layer with Page.addScriptToEvaluateOnNewDocument.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/hazyhaar/cloak/probe"
	"github.com/hazyhaar/cloak/stealth"
)

// Config configures a chromedp session.
type Config struct {
	Headless    bool
	ExecPath    string
	UserDataDir string
	ProxyServer string

	// WindowWidth and WindowHeight size the window. Default: 1920x1080.
	WindowWidth  int
	WindowHeight int

	// Flags are extra command-line switches. Empty values become boolean
	// switches.
	Flags map[string]string

	// Table is the patch table injected into every document. Default:
	// stealth.DefaultTable().
	Table *stealth.Table

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = 1920, 1080
	}
	if c.Table == nil {
		c.Table = stealth.DefaultTable()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// switches returns the command-line flags for cfg, on top of chromedp's
// defaults.
func switches(cfg Config) map[string]any {
	out := map[string]any{
		"enable-automation":      false,
		"disable-blink-features": "AutomationControlled",
		"disable-infobars":       true,
		"no-first-run":           true,
		"headless":               cfg.Headless,
	}
	for k, v := range cfg.Flags {
		if v == "" {
			out[k] = true
			continue
		}
		out[k] = v
	}
	return out
}

// AllocatorOptions returns the exec allocator options for cfg.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	cfg.defaults()
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	sw := switches(cfg)
	names := make([]string, 0, len(sw))
	for k := range sw {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		opts = append(opts, chromedp.Flag(k, sw[k]))
	}

	opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	return opts
}

// Inject registers every source for evaluation at document start, in
// order, on the current target.
func Inject(sources ...string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, src := range sources {
			if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx); err != nil {
				return fmt.Errorf("cdp: add script: %w", err)
			}
		}
		return nil
	})
}

// Session is one Chrome target with the stealth layer registered.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	script *stealth.Script
	url    string
	log    *slog.Logger
}

// Open starts Chrome and prepares a target whose documents all begin with
// the companion and the stealth script. A rejected table is logged and the
// fallback script is injected instead.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()
	log := cfg.Logger

	script, err := stealth.Build(cfg.Table)
	if err != nil {
		log.Error("cdp: stealth table rejected, injecting fallback", "error", err)
		script = nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			log.Debug("cdp: " + fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := chromedp.Run(tabCtx, Inject(stealth.DocumentScripts(script)...)); err != nil {
		cancel()
		return nil, fmt.Errorf("cdp: open: %w", err)
	}
	log.Info("cdp: session ready", "headless", cfg.Headless)

	return &Session{ctx: tabCtx, cancel: cancel, script: script, log: log}, nil
}

// Script returns the injected script, or nil when the fallback is in use.
func (s *Session) Script() *stealth.Script { return s.script }

// run executes actions on the session target, aborting when ctx ends.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads pageURL and waits for the body.
func (s *Session) Navigate(ctx context.Context, pageURL string) error {
	if err := s.run(ctx, chromedp.Navigate(pageURL), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("cdp: navigate %s: %w", pageURL, err)
	}
	s.url = pageURL
	return nil
}

// Evaluate runs expr in the current document, awaits a returned promise
// and returns strings as-is and any other value as JSON.
func (s *Session) Evaluate(ctx context.Context, expr string) (string, error) {
	var out string
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate(expr).
			WithAwaitPromise(true).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("exception: %s", exceptionText(exc))
		}
		if res != nil {
			out = decodeValue([]byte(res.Value))
		}
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("cdp: evaluate: %w", err)
	}
	return out, nil
}

// Probe runs the detector probe in the current document.
func (s *Session) Probe(ctx context.Context) (*probe.Report, error) {
	rep, err := probe.Run(ctx, s, s.script)
	if err != nil {
		return nil, err
	}
	rep.Driver = "cdp"
	rep.Target = s.url
	return rep, nil
}

// Close closes the target and stops Chrome.
func (s *Session) Close() {
	s.cancel()
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

// decodeValue unquotes a JSON string value and passes other JSON through.
func decodeValue(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
