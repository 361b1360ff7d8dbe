// Package hostproto is the default host-protocol adapter: a
// line-delimited JSON-RPC 2.0 server over stdio that exposes the four
// capabilities the core depends on (spec §6.1) — catalogue
// advertisement, framed tool calls, a tool-list-changed push
// notification, and a list-roots query. The wire framing itself is
// explicitly out of the core's scope (spec §1); this package is one
// concrete, swappable implementation of it, grounded on the teacher's
// internal/mcp JSON-RPC request/response/notification shapes
// (internal/mcp/types.go) and its bufio.Scanner line-reader idiom
// (internal/mcp/transport_stdio.go), turned inside-out from an MCP
// client into a server.
package hostproto

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/toolkit"
	"github.com/forgerun/forge/internal/workspace"
)

// request mirrors the teacher's JSONRPCRequest shape (internal/mcp/
// types.go), restricted to the methods this server understands.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeParseError     = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
)

type callParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Server is the stdio host-protocol adapter (C11's "host-protocol
// loop").
type Server struct {
	reg        *registry.Registry
	workspaces *workspace.Registry
	logger     *slog.Logger

	in  *bufio.Scanner
	out io.Writer

	mu sync.Mutex // serializes writes to out
}

// New constructs a Server reading requests from in and writing
// responses/notifications to out.
func New(reg *registry.Registry, workspaces *workspace.Registry, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Server{reg: reg, workspaces: workspaces, logger: logger, in: scanner, out: out}
}

// ToolListChanged implements registry.Notifier by pushing a
// notification frame (spec §6.1 "the server may push a 'tool list
// changed' notification").
func (s *Server) ToolListChanged() {
	s.writeFrame(notification{JSONRPC: "2.0", Method: "tool_list_changed"})
}

// Serve reads one JSON-RPC request per line until EOF or ctx
// cancellation (spec §4.11 step 7 "Enter the host-protocol loop").
//
// Scanning happens on its own goroutine (grounded on the teacher's
// readLoop/stopChan split in internal/mcp/transport_stdio.go) so a ctx
// cancellation is noticed immediately rather than only between lines; a
// blocked read on the underlying stdio pipe itself cannot be
// interrupted by a context in Go, so that goroutine outlives Serve
// until the pipe is closed by its owner (normal at process exit).
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for s.in.Scan() {
			line := append([]byte(nil), s.in.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- s.in.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("host protocol stdio read: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) > 0 {
				s.handleLine(ctx, line)
			}
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeFrame(response{JSONRPC: "2.0", Error: &rpcError{Code: errCodeParseError, Message: err.Error()}})
		return
	}

	switch req.Method {
	case "list_tools":
		s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Result: s.reg.Manifest()})
	case "list_roots":
		s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Result: s.rootsSnapshot()})
	case "call_tool":
		s.handleCall(ctx, req)
	default:
		s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errCodeMethodNotFound, Message: "unknown method " + req.Method}})
	}
}

func (s *Server) handleCall(ctx context.Context, req request) {
	var p callParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: errCodeInvalidParams, Message: "call_tool requires {name, args}"}})
		return
	}
	result, err := s.reg.Invoke(ctx, p.Name, p.Args)
	if err != nil {
		s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Result: toolkit.ErrorFrom(p.Name, err).String()})
		return
	}
	s.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Result: result.String()})
}

// rootsSnapshot is the server's answer to spec §6.1's "list roots"
// query: the default workspace URI when a registry is attached, nil
// otherwise. Other workspaces the registry knows are not listed.
func (s *Server) rootsSnapshot() []string {
	if s.workspaces == nil {
		return nil
	}
	return []string{workspace.DefaultWorkspaceURI}
}

func (s *Server) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("host protocol marshal failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
