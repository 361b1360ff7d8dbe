package coretools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgerun/forge/internal/persona"
	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/toolkit"
	"github.com/forgerun/forge/internal/workspace"
)

func TestSessionStartCreatesSessionInDefaultWorkspace(t *testing.T) {
	workspaces := workspace.NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)
	tool := SessionStartTool(workspaces)

	args, _ := json.Marshal(map[string]string{"persona": "devops", "project": "forge"})
	res, err := tool.Handler(context.Background(), args)
	if err != nil {
		t.Fatalf("session_start: %v", err)
	}
	if res.IsError() {
		t.Fatalf("session_start returned error result: %s", res.Message)
	}

	var body sessionStartResult
	if err := json.Unmarshal([]byte(res.Message), &body); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if body.SessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
	if body.Persona != "devops" || body.Project != "forge" {
		t.Fatalf("unexpected echo: %+v", body)
	}

	ws := workspaces.GetOrCreate(workspace.DefaultWorkspaceURI)
	if _, ok := ws.ActiveSession(); !ok {
		t.Fatal("expected the new session to be active in the workspace")
	}
}

func writePersonaFixture(t *testing.T, dir, name string) {
	t.Helper()
	content := "name: " + name + "\ndescription: test\nmodules: []\npersona: |\n  hello\n"
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestPersonaLoadAndListTools(t *testing.T) {
	dir := t.TempDir()
	writePersonaFixture(t, dir, "devops")
	writePersonaFixture(t, dir, "developer")

	reg := registry.New(nil)
	resolver := persona.NewResolver()
	loader := persona.NewLoader(reg, resolver, dir, persona.DefaultProtected(), nil)
	workspaces := workspace.NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)

	listTool := PersonaListTool(loader)
	res, err := listTool.Handler(context.Background(), nil)
	if err != nil || res.IsError() {
		t.Fatalf("persona_list failed: %v %v", err, res)
	}
	var names []string
	if err := json.Unmarshal([]byte(res.Message), &names); err != nil {
		t.Fatalf("decode names: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 personas, got %v", names)
	}

	loadTool := PersonaLoadTool(workspaces, loader)
	args, _ := json.Marshal(map[string]string{"name": "devops"})
	res, err = loadTool.Handler(context.Background(), args)
	if err != nil || res.IsError() {
		t.Fatalf("persona_load failed: %v %v", err, res)
	}

	ws := workspaces.GetOrCreate(workspace.DefaultWorkspaceURI)
	if ws.Persona != "devops" {
		t.Fatalf("expected workspace persona to be devops, got %q", ws.Persona)
	}
}

func TestPersonaLoadRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(nil)
	resolver := persona.NewResolver()
	loader := persona.NewLoader(reg, resolver, dir, persona.DefaultProtected(), nil)
	workspaces := workspace.NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)

	tool := PersonaLoadTool(workspaces, loader)
	res, err := tool.Handler(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError() || res.Code != toolkit.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %+v", res)
	}
}
