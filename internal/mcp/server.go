// Package mcp implements a Model Context Protocol server for sitelock.
// It lets AI assistants check and toggle maintenance mode over the stdio
// transport.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mackeh/sitelock/internal/audit"
	"github.com/mackeh/sitelock/internal/control"
)

// Actor is recorded for lock operations made through MCP.
const Actor = "mcp"

// JSON-RPC 2.0 types
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool describes an MCP tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// Server implements the MCP stdio protocol.
type Server struct {
	ctrl      *control.Controller
	auditPath string
	version   string
	tools     []Tool

	mu  sync.Mutex
	out io.Writer
}

var emptySchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// NewServer creates an MCP server over ctrl. auditPath is the log read by
// the audit tool.
func NewServer(ctrl *control.Controller, auditPath, version string) *Server {
	return &Server{
		ctrl:      ctrl,
		auditPath: auditPath,
		version:   version,
		out:       os.Stdout,
		tools: []Tool{
			{
				Name:        "sitelock_status",
				Description: "Report whether the site is in maintenance mode, with backend and TTL details",
				InputSchema: emptySchema,
			},
			{
				Name:        "sitelock_lock",
				Description: "Put the site into maintenance mode",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ttl": map[string]any{
							"type":        "string",
							"description": "Lock lifetime in whole seconds; omit for the configured default",
						},
					},
				},
			},
			{
				Name:        "sitelock_unlock",
				Description: "Take the site out of maintenance mode",
				InputSchema: emptySchema,
			},
			{
				Name:        "sitelock_audit",
				Description: "Read recent lock/unlock audit entries and verify the hash chain",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"limit": map[string]any{
							"type":        "number",
							"description": "Maximum number of entries to return",
						},
					},
				},
			},
		},
	}
}

// Run serves requests from stdin until EOF or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads newline delimited JSON-RPC requests from r and writes
// responses to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, -32700, "Parse error")
			continue
		}
		// Notifications carry no id and get no reply.
		if len(req.ID) == 0 {
			continue
		}

		s.writeResponse(s.handleRequest(ctx, req))
	}

	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req request) response {
	switch req.Method {
	case "initialize":
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]any{
					"tools": map[string]any{},
				},
				"serverInfo": map[string]any{
					"name":    "sitelock",
					"version": s.version,
				},
			},
		}

	case "ping":
		return response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}

	case "tools/list":
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"tools": s.tools,
			},
		}

	case "tools/call":
		return s.handleToolCall(ctx, req)

	default:
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}
}

func (s *Server) handleToolCall(ctx context.Context, req request) response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32602, Message: "Invalid params"}}
	}

	ctx = control.WithActor(ctx, Actor)

	var result any
	var err error

	switch params.Name {
	case "sitelock_status":
		result, err = s.ctrl.Status(ctx)
	case "sitelock_lock":
		result, err = s.toolLock(ctx, params.Arguments)
	case "sitelock_unlock":
		result, err = s.ctrl.TriggerUnlock(ctx)
	case "sitelock_audit":
		result, err = s.toolAudit(params.Arguments)
	default:
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32602, Message: fmt.Sprintf("Unknown tool: %s", params.Name)}}
	}

	if err != nil {
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": fmt.Sprintf("Error: %v", err)},
				},
				"isError": true,
			},
		}
	}

	text, _ := json.MarshalIndent(result, "", "  ")
	return response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": string(text)},
			},
		},
	}
}

func (s *Server) toolLock(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TTL json.Number `json:"ttl"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return s.ctrl.TriggerLock(ctx, params.TTL.String())
}

func (s *Server) toolAudit(args json.RawMessage) (any, error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if len(args) > 0 {
		json.Unmarshal(args, &params)
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}

	entries, err := audit.ReadAll(s.auditPath)
	if err != nil {
		return nil, err
	}
	total := len(entries)

	// Return last N entries
	if len(entries) > params.Limit {
		entries = entries[len(entries)-params.Limit:]
	}

	valid, verr := audit.Verify(s.auditPath)
	out := map[string]any{"entries": entries, "total": total, "chain_valid": valid}
	if verr != nil {
		out["chain_error"] = verr.Error()
	}
	return out, nil
}

func (s *Server) writeResponse(resp response) {
	data, _ := json.Marshal(resp)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", data)
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	resp := response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
	s.writeResponse(resp)
}
