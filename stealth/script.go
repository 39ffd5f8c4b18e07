package stealth

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

//go:embed install.js
var installJS string

//go:embed companion.js
var companionJS string

// fallbackJS only hides navigator.webdriver. Drivers inject it when the
// configured table cannot be rendered so a session is never left bare.
const fallbackJS = `(function () {
    'use strict';
    try {
        var proto = Object.getPrototypeOf(navigator);
        delete proto.webdriver;
        Object.defineProperty(proto, 'webdriver', {
            get: function () { return false; },
            enumerable: true,
            configurable: true
        });
    } catch (e) { }
})();
`

// Script is a rendered installer, ready to be registered for evaluation at
// document creation.
type Script struct {
	// Source is the complete, self-executing program.
	Source string
	// Nonce is the table nonce the installation record is keyed by.
	Nonce string
	// Digest is the hex SHA-256 of Source.
	Digest string
}

// Build validates t and renders the installer with t passed as its only
// argument.
func Build(t *Table) (*Script, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil table", ErrInvalidTable)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("stealth: marshal table: %w", err)
	}

	var b strings.Builder
	b.Grow(len(installJS) + len(data) + 4)
	b.WriteString(strings.TrimRight(installJS, "\n; "))
	b.WriteByte('(')
	b.Write(data)
	b.WriteString(");\n")

	src := b.String()
	sum := sha256.Sum256([]byte(src))
	return &Script{Source: src, Nonce: t.Nonce, Digest: hex.EncodeToString(sum[:])}, nil
}

// MustBuild is Build that panics on error. Intended for tables known to be
// valid, such as DefaultTable.
func MustBuild(t *Table) *Script {
	s, err := Build(t)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the script source.
func (s *Script) String() string { return s.Source }

// RecordExpr is a JavaScript expression evaluating to the JSON text of the
// installation record left by this script, or "null" when the script has
// not run in the current document.
func (s *Script) RecordExpr() string {
	return `(function () {
    try {
        return JSON.stringify(Function.prototype.toString.call(Symbol.for(` + strconv.Quote(s.Nonce) + `)));
    } catch (e) {
        return 'null';
    }
})()`
}

// Record is the installation record kept by the installer.
type Record struct {
	Nonce     string   `json:"nonce"`
	Runs      int      `json:"runs"`
	Installed []string `json:"installed"`
	Skipped   []string `json:"skipped"`
	Failed    []string `json:"failed"`
}

// ParseRecord decodes the value of RecordExpr. It returns nil, nil when the
// script never ran.
func ParseRecord(raw string) (*Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("stealth: parse record: %w", err)
	}
	return &r, nil
}

// Companion returns the script that permanently removes the credential
// management API and the PublicKeyCredential constructor.
func Companion() string { return companionJS }

// Fallback returns the minimal webdriver-only script.
func Fallback() string { return fallbackJS }

// DocumentScripts lists the sources a driver registers for document
// start, in order: the companion, then s, or the fallback when s is nil.
func DocumentScripts(s *Script) []string {
	if s == nil {
		return []string{companionJS, fallbackJS}
	}
	return []string{companionJS, s.Source}
}
