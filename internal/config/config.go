// Package config loads cloak configuration from a YAML file and
// CLOAK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/cloak/internal/browser"
	"github.com/hazyhaar/cloak/internal/cdp"
	"github.com/hazyhaar/cloak/stealth"
)

// Config is the top-level cloak configuration.
type Config struct {
	Browser  BrowserConfig   `yaml:"browser"`
	Profile  stealth.Profile `yaml:"profile"`
	Server   ServerConfig    `yaml:"server"`
	Store    StoreConfig     `yaml:"store"`
	LogLevel string          `yaml:"log_level"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string            `yaml:"remote"`
	Headless         bool              `yaml:"headless"`
	MemoryLimit      int64             `yaml:"memory_limit"`
	RecycleInterval  time.Duration     `yaml:"recycle_interval"`
	ResourceBlocking []string          `yaml:"resource_blocking"`
	XvfbDisplay      string            `yaml:"xvfb_display"`
	BaseStealth      bool              `yaml:"base_stealth"`
	Flags            map[string]string `yaml:"flags"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr        string  `yaml:"addr"`
	VerifyRPS   float64 `yaml:"verify_rps"`
	VerifyBurst int     `yaml:"verify_burst"`
	MaxBody     int64   `yaml:"max_body"`
}

// StoreConfig locates the report database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// env holds the CLOAK_* overrides. Unset variables leave the file value.
type env struct {
	ServerAddr      string `envconfig:"SERVER_ADDR"`
	StorePath       string `envconfig:"STORE_PATH"`
	BrowserRemote   string `envconfig:"BROWSER_REMOTE"`
	BrowserHeadless *bool  `envconfig:"BROWSER_HEADLESS"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{
		Browser: BrowserConfig{Headless: true},
		Profile: stealth.DefaultProfile(),
	}
	c.applyDefaults()
	return c
}

// LoadFile reads a YAML configuration file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies CLOAK_* environment overrides.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process("cloak", &e); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if e.ServerAddr != "" {
		c.Server.Addr = e.ServerAddr
	}
	if e.StorePath != "" {
		c.Store.Path = e.StorePath
	}
	if e.BrowserRemote != "" {
		c.Browser.Remote = e.BrowserRemote
	}
	if e.BrowserHeadless != nil {
		c.Browser.Headless = *e.BrowserHeadless
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8790"
	}
	if c.Server.VerifyRPS <= 0 {
		c.Server.VerifyRPS = 2
	}
	if c.Server.VerifyBurst <= 0 {
		c.Server.VerifyBurst = 4
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 64 << 10
	}
	if c.Store.Path == "" {
		c.Store.Path = "cloak.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Table builds and validates the patch table for the profile section.
func (c *Config) Table() (*stealth.Table, error) {
	t := c.profileTable()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("config: profile: %w", err)
	}
	return t, nil
}

// profileTable is the single place the profile becomes a table. Drivers
// get it unvalidated so they can fall back on their own.
func (c *Config) profileTable() *stealth.Table {
	return stealth.NewTable(c.Profile)
}

// CDP returns the chromedp session configuration, sized to the profile
// screen. Like BrowserManager it passes an invalid table through.
func (c *Config) CDP(log *slog.Logger) cdp.Config {
	return cdp.Config{
		Headless:     c.Browser.Headless,
		Flags:        c.Browser.Flags,
		WindowWidth:  c.Profile.Screen.Width,
		WindowHeight: c.Profile.Screen.Height,
		Table:        c.profileTable(),
		Logger:       log,
	}
}

// BrowserManager returns the browser manager configuration. The table is
// passed through even when invalid so the manager can fall back.
func (c *Config) BrowserManager(log *slog.Logger) browser.Config {
	mode := browser.ModeHeadless
	if !c.Browser.Headless {
		mode = browser.ModeHeadful
	}
	return browser.Config{
		RemoteURL:        c.Browser.Remote,
		MemoryLimit:      c.Browser.MemoryLimit,
		RecycleInterval:  c.Browser.RecycleInterval,
		ResourceBlocking: c.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		Flags:            c.Browser.Flags,
		BaseStealth:      c.Browser.BaseStealth,
		Table:            c.profileTable(),
		Logger:           log,
	}
}

// ErrLogLevel is returned for an unknown log level name.
var ErrLogLevel = errors.New("config: unknown log level")

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: %q", ErrLogLevel, c.LogLevel)
}
