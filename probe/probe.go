// Package probe looks at a document the way a bot detector would and
// reports every signal that still gives automation away.
package probe

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/cloak/hostsim"
	"github.com/hazyhaar/cloak/stealth"
)

//go:embed probe.js
var probeJS string

// ErrMalformed is returned when the probe result cannot be decoded.
var ErrMalformed = errors.New("probe: malformed result")

// Evaluator runs a JavaScript expression in a document and returns its
// value as a string, awaiting promises. hostsim.Runtime, browser.Tab and
// cdp.Session implement it.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string) (string, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expr string) (string, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, expr string) (string, error) {
	return f(ctx, expr)
}

// Check is the outcome of one detector test.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// Report is the result of probing one document.
type Report struct {
	ID        string          `json:"id,omitempty"`
	Driver    string          `json:"driver"`
	Target    string          `json:"target"`
	Digest    string          `json:"digest,omitempty"`
	Record    *stealth.Record `json:"record,omitempty"`
	Checks    []Check         `json:"checks"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	return len(r.Failures()) == 0
}

// Failures returns the failed checks in probe order.
func (r *Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Pass {
			out = append(out, c)
		}
	}
	return out
}

// Check returns the named check.
func (r *Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Source returns the probe as a JavaScript expression evaluating to a
// promise of the JSON result.
func Source() string { return probeJS }

// Run probes the document behind ev. When s is non-nil the installation
// record of s is attached to the report.
func Run(ctx context.Context, ev Evaluator, s *stealth.Script) (*Report, error) {
	raw, err := ev.Evaluate(ctx, probeJS)
	if err != nil {
		return nil, fmt.Errorf("probe: evaluate: %w", err)
	}
	var res struct {
		Checks []Check `json:"checks"`
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(res.Checks) == 0 {
		return nil, fmt.Errorf("%w: no checks", ErrMalformed)
	}

	rep := &Report{Checks: res.Checks, CreatedAt: time.Now().UTC()}
	if s != nil {
		rep.Digest = s.Digest
		raw, err := ev.Evaluate(ctx, s.RecordExpr())
		if err != nil {
			return nil, fmt.Errorf("probe: read record: %w", err)
		}
		if rep.Record, err = stealth.ParseRecord(raw); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// Simulate rehearses s in an emulated host described by opts: it registers
// the companion and s for document start, creates a document and probes it.
// A nil s probes the bare host.
func Simulate(ctx context.Context, opts hostsim.Options, s *stealth.Script) (*Report, error) {
	r, err := hostsim.New(opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if s != nil {
		r.AddScriptToEvaluateOnNewDocument(stealth.Companion())
		r.AddScriptToEvaluateOnNewDocument(s.Source)
	}
	if err := r.NewDocument(ctx); err != nil {
		return nil, err
	}
	rep, err := Run(ctx, r, s)
	if err != nil {
		return nil, err
	}
	rep.Driver = "hostsim"
	rep.Target = "about:blank"
	return rep, nil
}
