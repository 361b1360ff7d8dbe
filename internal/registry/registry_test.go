package registry

import (
	"context"
	"testing"

	"github.com/forgerun/forge/internal/toolkit"
)

func stubTool(name string, tier toolkit.Tier) toolkit.Tool {
	return toolkit.Tool{
		Name: name,
		Tier: tier,
		Handler: func(ctx context.Context, args []byte) (toolkit.Result, error) {
			return toolkit.Success(name), nil
		},
	}
}

type countingNotifier struct{ count int }

func (n *countingNotifier) ToolListChanged() { n.count++ }

func TestRegisterReplacesExisting(t *testing.T) {
	r := New(nil)
	r.Register("jira", stubTool("jira_get", toolkit.TierCore))
	r.Register("jira", stubTool("jira_get", toolkit.TierBasic))

	tool, ok := r.Get("jira_get")
	if !ok || tool.Tier != toolkit.TierBasic {
		t.Fatalf("expected replaced tool with basic tier, got %+v ok=%v", tool, ok)
	}
	if len(r.LiveNames()) != 1 {
		t.Fatalf("expected exactly one live name after replace, got %v", r.LiveNames())
	}
}

func TestUnregisterKeepsManifestQueryable(t *testing.T) {
	r := New(nil)
	r.Register("jira", stubTool("jira_get", toolkit.TierCore))
	r.Unregister("jira_get")

	if r.IsLive("jira_get") {
		t.Fatalf("expected jira_get to no longer be live")
	}
	if !r.IsKnown("jira_get") {
		t.Fatalf("expected jira_get to remain known via manifest")
	}
	mod, ok := r.ModuleOf("jira_get")
	if !ok || mod != "jira" {
		t.Fatalf("expected module lookup to survive unregister, got %q ok=%v", mod, ok)
	}
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	r := New(nil)
	res, err := r.Invoke(context.Background(), "nope", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != toolkit.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", res.Code)
	}
}

func TestInvokeKnownButUnloadedDistinguishesFromUnknown(t *testing.T) {
	r := New(nil)
	r.Register("jira", stubTool("jira_get", toolkit.TierExtra))
	r.Unregister("jira_get")

	res, err := r.Invoke(context.Background(), "jira_get", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != toolkit.CodeNotFound || res.Context["tool"] != "jira_get" {
		t.Fatalf("expected a NOT_FOUND result naming the known-but-unloaded tool, got %+v", res)
	}
}

func TestToolsOfFiltersByTier(t *testing.T) {
	r := New(nil)
	r.Register("jira", stubTool("jira_get", toolkit.TierCore))
	r.Register("jira", stubTool("jira_bulk_export", toolkit.TierExtra))

	core := r.ToolsOf("jira", toolkit.TierCore)
	if len(core) != 1 || core[0].Name != "jira_get" {
		t.Fatalf("expected only the core tool, got %+v", core)
	}
	all := r.ToolsOf("jira", "")
	if len(all) != 2 {
		t.Fatalf("expected both tools with no tier filter, got %+v", all)
	}
}

func TestLiveNamesInvariantAcrossSwitches(t *testing.T) {
	r := New(nil)
	protected := map[string]bool{"session_start": true}
	r.Register("core", stubTool("session_start", toolkit.TierCore))
	r.Register("devops", stubTool("kube_get", toolkit.TierBasic))
	r.Register("devops", stubTool("gitlab_mr", toolkit.TierBasic))

	// Simulate a persona switch away from devops.
	for _, name := range r.LiveNames() {
		if !protected[name] {
			r.Unregister(name)
		}
	}
	r.Register("developer", stubTool("lint_run", toolkit.TierBasic))

	live := r.LiveNames()
	want := map[string]bool{"session_start": true, "lint_run": true}
	if len(live) != len(want) {
		t.Fatalf("expected %d live tools, got %v", len(want), live)
	}
	for _, n := range live {
		if !want[n] {
			t.Fatalf("unexpected live tool %q", n)
		}
	}
}

func TestNotifierInvokedOnce(t *testing.T) {
	n := &countingNotifier{}
	r := New(n)
	r.Register("jira", stubTool("jira_get", toolkit.TierCore))
	r.Register("jira", stubTool("jira_list", toolkit.TierCore))
	r.NotifyToolListChanged()
	if n.count != 1 {
		t.Fatalf("expected exactly one notification for a batch registration, got %d", n.count)
	}
}

func TestSetNotifierReplacesNotifier(t *testing.T) {
	r := New(nil)
	n := &countingNotifier{}
	r.SetNotifier(n)
	r.NotifyToolListChanged()
	if n.count != 1 {
		t.Fatalf("expected the replacement notifier to receive the notification, got count=%d", n.count)
	}
}

func toolWithSchema(name string, schema string) toolkit.Tool {
	t := stubTool(name, toolkit.TierCore)
	t.InputSchema = []byte(schema)
	return t
}

func TestInvokeValidatesArgsAgainstInputSchema(t *testing.T) {
	r := New(nil)
	r.Register("jira", toolWithSchema("jira_get", `{
		"type": "object",
		"properties": {"issue_key": {"type": "string"}},
		"required": ["issue_key"]
	}`))

	res, err := r.Invoke(context.Background(), "jira_get", []byte(`{"issue_key": "PROJ-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError() {
		t.Fatalf("expected valid args to pass schema validation, got %+v", res)
	}
}

func TestInvokeRejectsArgsFailingInputSchema(t *testing.T) {
	r := New(nil)
	r.Register("jira", toolWithSchema("jira_get", `{
		"type": "object",
		"properties": {"issue_key": {"type": "string"}},
		"required": ["issue_key"]
	}`))

	res, err := r.Invoke(context.Background(), "jira_get", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != toolkit.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for a missing required field, got %+v", res)
	}
}

func TestInvokeWithoutSchemaSkipsValidation(t *testing.T) {
	r := New(nil)
	r.Register("jira", stubTool("jira_get", toolkit.TierCore))

	res, err := r.Invoke(context.Background(), "jira_get", []byte(`not json at all`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError() {
		t.Fatalf("expected a schema-less tool to receive raw args unvalidated, got %+v", res)
	}
}
