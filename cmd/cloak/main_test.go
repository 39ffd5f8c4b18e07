package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/cloak/internal/config"
	"github.com/hazyhaar/cloak/probe"
)

func TestRunScript(t *testing.T) {
	var buf bytes.Buffer
	if err := runScript(&buf, config.Default()); err != nil {
		t.Fatalf("runScript: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "(function install(table)") {
		t.Errorf("script starts with %q", out[:min(40, len(out))])
	}
	if !strings.HasSuffix(out, ");\n") {
		t.Error("script must end with the table argument")
	}
}

func TestRunScriptRejectsBadProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Profile.Noise.CanvasDelta = 3
	if err := runScript(io.Discard, cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), logger, config.Default(), "bogus", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestReportExitStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := &probe.Report{Checks: []probe.Check{{Name: "webdriver", Pass: true}}}
	if err := report(logger, ok); err != nil {
		t.Errorf("report(pass) = %v", err)
	}
	bad := &probe.Report{Checks: []probe.Check{{Name: "webdriver", Pass: false}}}
	if err := report(logger, bad); err != errDetected {
		t.Errorf("report(fail) = %v, want errDetected", err)
	}
}
