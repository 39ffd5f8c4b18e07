// Package stealth renders the document-start script that makes an automated
// browser session look like an ordinary one to in-page detectors.
//
// A Profile describes the browser to impersonate. NewTable turns it into a
// Table, the immutable patch description the installer consumes, and Build
// renders the installer with the table as its argument. The result is meant
// to be registered with Page.addScriptToEvaluateOnNewDocument so it runs in
// every document before any page script.
//
// The installer works in four layers: property overrides on the navigator
// and friends, behavioral interceptors (canvas, WebGL, audio, error stacks,
// permissions, frames, clock), identity concealment (automation globals and
// headless user-agent tokens) and self-defense (native-looking
// Function.prototype.toString output and hidden descriptors). Every step is
// isolated: a failing step is recorded and the rest still install.
//
// Running the same script twice in one document re-applies only the
// concealment layer. The installation record can be read back with
// Script.RecordExpr.
package stealth
