// Command cloak renders, rehearses and injects the document-start stealth
// layer.
//
// Usage:
//
//	cloak script                      # print the rendered stealth script
//	cloak companion                   # print the credential-API disabler
//	cloak verify [-bare] [-save]      # rehearse in an emulated headless host
//	cloak open -url URL [-driver rod|cdp]
//	cloak serve                       # HTTP API
//	cloak mcp                         # MCP tools over stdio
//
// Global flags (-config, -log-level) come before the subcommand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/cloak/hostsim"
	"github.com/hazyhaar/cloak/internal/browser"
	"github.com/hazyhaar/cloak/internal/cdp"
	"github.com/hazyhaar/cloak/internal/config"
	"github.com/hazyhaar/cloak/internal/mcptools"
	"github.com/hazyhaar/cloak/internal/server"
	"github.com/hazyhaar/cloak/internal/store"
	"github.com/hazyhaar/cloak/probe"
	"github.com/hazyhaar/cloak/stealth"
)

const version = "0.3.0"

// errDetected makes verify and open exit 1 when a check fails.
var errDetected = errors.New("automation detected")

func main() {
	configPath := flag.String("config", "", "path to cloak.yaml")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cloak:", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cloak:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if err := run(ctx, logger, cfg, flag.Arg(0), flag.Args()[1:]); err != nil {
		if !errors.Is(err, errDetected) {
			logger.Error("cloak: fatal", "error", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cloak [-config file] [-log-level level] script|companion|verify|open|serve|mcp [flags]")
	flag.PrintDefaults()
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "script":
		return runScript(os.Stdout, cfg)
	case "companion":
		_, err := io.WriteString(os.Stdout, stealth.Companion())
		return err
	case "verify":
		return runVerify(ctx, logger, cfg, args)
	case "open":
		return runOpen(ctx, logger, cfg, args)
	case "serve":
		return runServe(ctx, logger, cfg)
	case "mcp":
		return runMCP(ctx, logger, cfg)
	}
	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

func buildScript(cfg *config.Config) (*stealth.Script, error) {
	t, err := cfg.Table()
	if err != nil {
		return nil, err
	}
	return stealth.Build(t)
}

func runScript(w io.Writer, cfg *config.Config) error {
	s, err := buildScript(cfg)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s.Source)
	return err
}

func runVerify(ctx context.Context, logger *slog.Logger, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	bare := fs.Bool("bare", false, "probe the emulated host without injecting anything")
	save := fs.Bool("save", false, "store the report in the configured database")
	seed := fs.Uint64("seed", 0, "deterministic host entropy (0 = random)")
	hostFile := fs.String("host", "", "JSON file with host option overrides")
	fs.Parse(args)

	opts := hostsim.DefaultOptions()
	opts.Seed = *seed
	if *hostFile != "" {
		data, err := os.ReadFile(*hostFile)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if err := json.Unmarshal(data, &opts); err != nil {
			return fmt.Errorf("verify: host options: %w", err)
		}
	}

	var s *stealth.Script
	if !*bare {
		var err error
		if s, err = buildScript(cfg); err != nil {
			return err
		}
	}

	rep, err := probe.Simulate(ctx, opts, s)
	if err != nil {
		return err
	}
	if *save {
		if err := saveReport(ctx, cfg, rep); err != nil {
			return err
		}
	}
	return report(logger, rep)
}

func runOpen(ctx context.Context, logger *slog.Logger, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	pageURL := fs.String("url", "", "page to open")
	driver := fs.String("driver", "rod", "rod or cdp")
	noStore := fs.Bool("no-store", false, "do not store the report")
	fs.Parse(args)

	if *pageURL == "" {
		return errors.New("open: -url is required")
	}

	var rep *probe.Report
	var err error
	switch *driver {
	case "rod":
		rep, err = openRod(ctx, logger, cfg, *pageURL)
	case "cdp":
		rep, err = openCDP(ctx, logger, cfg, *pageURL)
	default:
		return fmt.Errorf("open: unknown driver %q", *driver)
	}
	if err != nil {
		return err
	}
	if !*noStore {
		if err := saveReport(ctx, cfg, rep); err != nil {
			logger.Warn("cloak: report not stored", "error", err)
		}
	}
	return report(logger, rep)
}

func openRod(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string) (*probe.Report, error) {
	mgr := browser.NewManager(cfg.BrowserManager(logger))
	if _, err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	defer mgr.Close()

	tab, err := browser.OpenTab(ctx, mgr, pageURL)
	if err != nil {
		return nil, err
	}
	defer tab.Close()
	return tab.Probe(ctx)
}

func openCDP(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string) (*probe.Report, error) {
	sess, err := cdp.Open(ctx, cfg.CDP(logger))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}
	return sess.Probe(ctx)
}

func runServe(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	s, err := buildScript(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path, store.WithMkdirAll())
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := server.New(server.Config{
		Script:      s,
		Store:       st,
		VerifyRPS:   cfg.Server.VerifyRPS,
		VerifyBurst: cfg.Server.VerifyBurst,
		MaxBody:     cfg.Server.MaxBody,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func runMCP(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	s, err := buildScript(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path, store.WithMkdirAll())
	if err != nil {
		logger.Warn("cloak: report store unavailable", "error", err)
		st = nil
	} else {
		defer st.Close()
	}

	srv := mcptools.NewServer(&mcptools.Tools{Script: s, Store: st, Logger: logger}, version)
	logger.Info("cloak: mcp serving on stdio")
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func saveReport(ctx context.Context, cfg *config.Config, rep *probe.Report) error {
	st, err := store.Open(cfg.Store.Path, store.WithMkdirAll())
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Save(ctx, rep)
}

// report prints rep as JSON and returns errDetected when a check failed.
func report(logger *slog.Logger, rep *probe.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if !rep.Passed() {
		for _, c := range rep.Failures() {
			logger.Warn("cloak: check failed", "check", c.Name, "detail", c.Detail)
		}
		return errDetected
	}
	return nil
}
