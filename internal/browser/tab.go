package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	rodstealth "github.com/go-rod/stealth"

	"github.com/hazyhaar/cloak/probe"
)

// Tab is a Rod page whose documents all start with the stealth layer.
type Tab struct {
	Page    *rod.Page
	PageURL string
	manager *Manager
}

// OpenTab creates a new tab, registers the companion and stealth scripts
// for every new document, then navigates to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	log := mgr.cfg.Logger

	var page *rod.Page
	var err error
	if mgr.cfg.BaseStealth {
		page, err = rodstealth.Page(b)
		if err != nil {
			log.Warn("browser: base stealth layer failed, continuing without it", "error", err)
		}
	}
	if page == nil {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
		if err != nil {
			return nil, fmt.Errorf("browser: create tab: %w", err)
		}
	}

	for _, src := range mgr.scripts {
		if _, err := page.EvalOnNewDocument(src); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: register document script: %w", err)
		}
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, mgr.cfg.ResourceBlocking); err != nil {
			log.Warn("browser: resource blocking failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return &Tab{Page: page, PageURL: pageURL, manager: mgr}, nil
}

// Evaluate runs expr in the current document, awaits a returned promise
// and returns strings as-is and any other value as JSON.
func (t *Tab) Evaluate(ctx context.Context, expr string) (string, error) {
	res, err := t.Page.Context(ctx).Eval("() => (" + expr + ")")
	if err != nil {
		return "", fmt.Errorf("browser: evaluate: %w", err)
	}
	if s, ok := res.Value.Val().(string); ok {
		return s, nil
	}
	return res.Value.JSON("", ""), nil
}

// Probe runs the detector probe in the current document.
func (t *Tab) Probe(ctx context.Context) (*probe.Report, error) {
	rep, err := probe.Run(ctx, t, t.manager.Script())
	if err != nil {
		return nil, err
	}
	rep.Driver = "rod"
	rep.Target = t.PageURL
	return rep, nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
