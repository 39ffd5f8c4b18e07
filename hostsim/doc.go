// Package hostsim runs page scripts against an emulated browser document.
//
// The document is a goja VM preloaded with the slice of the web platform
// that automation detectors look at: navigator, screen, permissions,
// notifications, 2D canvas, WebGL, Web Audio, iframes, crypto and V8-style
// error stacks. Options describe the host; DefaultOptions is a freshly
// launched headless Chrome with the usual automation tells.
//
// Scripts registered with AddScriptToEvaluateOnNewDocument run at the start
// of every document created by NewDocument, mirroring the CDP command of
// the same name.
package hostsim
