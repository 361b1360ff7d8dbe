package hostproto

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/toolkit"
	"github.com/forgerun/forge/internal/workspace"
)

func newTestRegistry() *registry.Registry {
	reg := registry.New(registry.NopNotifier{})
	reg.Register("core", toolkit.Tool{
		Name: "echo",
		Tier: toolkit.TierCore,
		Handler: func(ctx context.Context, args json.RawMessage) (toolkit.Result, error) {
			return toolkit.Success(string(args)), nil
		},
	})
	return reg
}

func TestListToolsReturnsManifest(t *testing.T) {
	reg := newTestRegistry()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"list_tools"}` + "\n")
	var out bytes.Buffer
	s := New(reg, nil, in, &out, nil)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	results, ok := resp.Result.([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one manifest entry, got %#v", resp.Result)
	}
}

func TestCallToolInvokesRegistry(t *testing.T) {
	reg := newTestRegistry()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"call_tool","params":{"name":"echo","args":"hello"}}` + "\n")
	var out bytes.Buffer
	s := New(reg, nil, in, &out, nil)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("expected echoed args in output, got %s", out.String())
	}
}

func TestCallUnknownToolReturnsErrorResult(t *testing.T) {
	reg := newTestRegistry()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"call_tool","params":{"name":"nope","args":"x"}}` + "\n")
	var out bytes.Buffer
	s := New(reg, nil, in, &out, nil)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !strings.Contains(out.String(), "unknown tool") {
		t.Fatalf("expected unknown tool error, got %s", out.String())
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	reg := newTestRegistry()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":4,"method":"bogus"}` + "\n")
	var out bytes.Buffer
	s := New(reg, nil, in, &out, nil)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestListRootsReturnsDefaultWorkspace(t *testing.T) {
	reg := newTestRegistry()
	ws := workspace.NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"list_roots"}` + "\n")
	var out bytes.Buffer
	s := New(reg, ws, in, &out, nil)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !strings.Contains(out.String(), workspace.DefaultWorkspaceURI) {
		t.Fatalf("expected default workspace uri, got %s", out.String())
	}
}

func TestToolListChangedPushesNotification(t *testing.T) {
	reg := newTestRegistry()
	var out bytes.Buffer
	s := New(reg, nil, strings.NewReader(""), &out, nil)

	s.ToolListChanged()

	var n notification
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Method != "tool_list_changed" {
		t.Fatalf("unexpected notification method: %s", n.Method)
	}
}

// blockingReader never returns until closed, modeling stdin staying
// open with no input; used to exercise ctx-cancellation shutdown.
type blockingReader struct {
	done chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

func TestServeReturnsOnContextCancellation(t *testing.T) {
	reg := newTestRegistry()
	br := &blockingReader{done: make(chan struct{})}
	defer close(br.done)

	s := New(reg, nil, br, io.Discard, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Serve(ctx)
	if err == nil {
		t.Fatal("expected Serve to report context cancellation")
	}
}
