package browser

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/hazyhaar/cloak/stealth"
)

// xvfbArgs returns the Xvfb arguments for a display sized like the
// profile screen, so the window geometry agrees with screen.width.
func xvfbArgs(display string, width, height int) []string {
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	return []string{display, "-screen", "0", fmt.Sprintf("%dx%dx24", width, height), "-ac"}
}

// startXvfb launches an Xvfb virtual display for headful mode.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}

	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", xvfbArgs(display, m.screenWidth(), m.screenHeight())...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb: %w", err)
	}
	m.xvfb = cmd

	// Xvfb accepts connections shortly after start.
	time.Sleep(500 * time.Millisecond)

	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

// stopXvfb kills the Xvfb process if running.
func (m *Manager) stopXvfb() {
	if m.xvfb == nil {
		return
	}
	if m.xvfb.Process != nil {
		m.xvfb.Process.Kill()
		m.xvfb.Wait()
	}
	m.cfg.Logger.Info("browser: xvfb stopped")
	m.xvfb = nil
}

func (m *Manager) screenWidth() int  { return screenValue(m.cfg.Table, "width") }
func (m *Manager) screenHeight() int { return screenValue(m.cfg.Table, "height") }

// screenValue reads a screen dimension from the patch table, 0 if absent.
func screenValue(t *stealth.Table, prop string) int {
	if t == nil {
		return 0
	}
	for _, o := range t.Overrides {
		if o.Owner != "screen" || o.Property != prop {
			continue
		}
		switch v := o.Value.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return 0
}
