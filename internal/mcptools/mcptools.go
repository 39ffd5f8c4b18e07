// Package mcptools exposes the stealth layer as MCP tools so an agent can
// fetch the document-start scripts and rehearse them before driving a
// browser.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/cloak/hostsim"
	"github.com/hazyhaar/cloak/internal/store"
	"github.com/hazyhaar/cloak/probe"
	"github.com/hazyhaar/cloak/stealth"
)

// Tools holds what the tool handlers need.
type Tools struct {
	Script *stealth.Script
	// Store persists cloak_verify reports when set.
	Store  *store.Store
	Logger *slog.Logger
}

// NewServer returns an MCP server with every cloak tool registered.
func NewServer(t *Tools, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "cloak", Version: version}, nil)
	t.Register(srv)
	return srv
}

// Register adds the cloak tools to srv.
func (t *Tools) Register(srv *mcp.Server) {
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	t.registerScript(srv)
	t.registerCompanion(srv)
	t.registerVerify(srv)
	t.registerReports(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// handler is a tool body: decoded arguments in, JSON-encodable result out.
type handler func(ctx context.Context, args json.RawMessage) (any, error)

// addTool wires h to srv, reporting decode, handler and encoding failures
// as tool errors rather than protocol errors.
func addTool(srv *mcp.Server, tool *mcp.Tool, h handler) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := h(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// --- cloak_script ---

func (t *Tools) registerScript(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cloak_script",
		Description: "Return the rendered stealth script to register for document start on every navigation, with its digest and install-record nonce.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]string{
			"source": t.Script.Source,
			"digest": t.Script.Digest,
			"nonce":  t.Script.Nonce,
		}, nil
	})
}

// --- cloak_companion ---

func (t *Tools) registerCompanion(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cloak_companion",
		Description: "Return the companion script that removes the credential management API. Register it before the stealth script.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]string{"source": stealth.Companion()}, nil
	})
}

// --- cloak_verify ---

type verifyReq struct {
	Host *hostsim.Options `json:"host"`
}

func (t *Tools) registerVerify(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cloak_verify",
		Description: "Rehearse the stealth script in an emulated headless Chrome and return the detector report. Optional host fields override the headless defaults.",
		InputSchema: inputSchema(map[string]any{
			"host": map[string]any{
				"type":        "object",
				"description": "Host overrides, e.g. {\"userAgent\": \"...\", \"deviceMemory\": 0, \"webgl\": false}",
			},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		opts := hostsim.DefaultOptions()
		req := verifyReq{Host: &opts}
		if err := decode(args, &req); err != nil {
			return nil, err
		}
		if req.Host == nil {
			req.Host = &opts
		}
		rep, err := probe.Simulate(ctx, *req.Host, t.Script)
		if err != nil {
			return nil, err
		}
		if t.Store != nil {
			if err := t.Store.Save(ctx, rep); err != nil {
				t.Logger.Warn("mcptools: report not stored", "error", err)
			}
		}
		return rep, nil
	})
}

// --- cloak_reports ---

type reportsReq struct {
	Limit int `json:"limit"`
}

func (t *Tools) registerReports(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cloak_reports",
		Description: "List stored detector reports, newest first, with the stored and passing totals.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum reports to return (default 20)"},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		if t.Store == nil {
			return nil, errors.New("report store disabled")
		}
		req := reportsReq{Limit: 20}
		if err := decode(args, &req); err != nil {
			return nil, err
		}
		list, err := t.Store.List(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		total, passed, err := t.Store.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reports": list, "total": total, "passed": passed}, nil
	})
}
