// Package registry implements the tool registry (spec §4.4, C4): the
// live tool set the host protocol serves, plus a static manifest indexed
// by module and tier that keeps a tool's catalogue entry queryable after
// it is unregistered (spec §8 property 2, "manifest monotonicity").
//
// It is modeled on the teacher's skills.Manager discovered-vs-eligible
// split (internal/skills/manager.go), generalized from skills to tools
// and from a single eligible set to a live-set/manifest pair.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgerun/forge/internal/toolkit"
)

// Notifier sends the host-protocol "tool list changed" notification
// (spec §6.5 send_notification). The real implementation is the host
// protocol adapter; tests use a recording stub.
type Notifier interface {
	ToolListChanged()
}

// NopNotifier discards notifications; useful for tests and CLI tools
// that never attach a live host-protocol connection.
type NopNotifier struct{}

func (NopNotifier) ToolListChanged() {}

// manifestEntry is the static record the registry keeps queryable even
// after a tool is unregistered (spec §4.4 "manifest keeps its record").
type manifestEntry struct {
	tool      toolkit.Tool
	module    string
	schema    *jsonschema.Schema
	schemaErr error
}

// compileInputSchema compiles a tool's declared InputSchema (spec §3
// Tool "input schema"), grounded on the teacher's
// pkg/pluginsdk/validation.go compileSchema helper.
func compileInputSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := jsonschema.CompileString(toolName+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %q: %w", toolName, err)
	}
	return schema, nil
}

// Registry is the process-singleton tool registry (spec §4.4). Mutated
// only by the Persona Loader under its own mutex; the registry's own
// lock protects the live/manifest maps from concurrent tool lookups.
type Registry struct {
	notifier Notifier

	mu       sync.RWMutex
	live     map[string]toolkit.Tool   // currently callable
	manifest map[string]manifestEntry  // name -> entry, survives unregister
	byModule map[string][]string       // module -> tool names it ever registered
}

// New constructs an empty Registry. A nil notifier is replaced with
// NopNotifier.
func New(notifier Notifier) *Registry {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Registry{
		notifier: notifier,
		live:     make(map[string]toolkit.Tool),
		manifest: make(map[string]manifestEntry),
		byModule: make(map[string][]string),
	}
}

// Register replaces any existing entry with the same name and updates
// the manifest (spec §4.4). It does not itself notify the client — batch
// registration during a persona load emits a single notification after
// the whole module list is processed.
func (r *Registry) Register(module string, tool toolkit.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(module, tool)
}

func (r *Registry) registerLocked(module string, tool toolkit.Tool) {
	if _, existed := r.manifest[tool.Name]; !existed {
		r.byModule[module] = append(r.byModule[module], tool.Name)
	}
	schema, schemaErr := compileInputSchema(tool.Name, tool.InputSchema)
	r.live[tool.Name] = tool
	r.manifest[tool.Name] = manifestEntry{tool: tool, module: module, schema: schema, schemaErr: schemaErr}
}

// Unregister removes name from the live set; the manifest entry is
// retained so the catalogue stays queryable (spec §4.4).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, name)
}

// LiveNames returns a snapshot of the currently registered tool names.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.live))
	for name := range r.live {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the live tool by name.
func (r *Registry) Get(name string) (toolkit.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.live[name]
	return t, ok
}

// ModuleOf returns the module that registered name, consulting the
// manifest (so it answers even for unloaded tools).
func (r *Registry) ModuleOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.manifest[name]
	if !ok {
		return "", false
	}
	return e.module, true
}

// ToolsOf returns the manifest entries for a module, optionally filtered
// by tier (empty tier means all tiers).
func (r *Registry) ToolsOf(module string, tier toolkit.Tier) []toolkit.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byModule[module]
	out := make([]toolkit.Tool, 0, len(names))
	for _, name := range names {
		e, ok := r.manifest[name]
		if !ok {
			continue
		}
		if tier != "" && e.tool.Tier != tier {
			continue
		}
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsLive reports whether name is currently callable.
func (r *Registry) IsLive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[name]
	return ok
}

// IsKnown reports whether name has ever been registered (live or not).
func (r *Registry) IsKnown(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.manifest[name]
	return ok
}

// SetNotifier replaces the registry's notifier. Used when the host
// protocol adapter is constructed after the registry (it needs the
// registry itself to serve list_tools/call_tool), breaking what would
// otherwise be a construction-order cycle.
func (r *Registry) SetNotifier(n Notifier) {
	if n == nil {
		n = NopNotifier{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// NotifyToolListChanged pushes a single "tool list changed" notification
// (spec §4.7 step 6). Callers batch registration first, notify once.
func (r *Registry) NotifyToolListChanged() {
	r.notifier.ToolListChanged()
}

// Invoke calls a live tool's handler by name, surfacing NOT_FOUND as a
// structured error result if the tool is currently unregistered (spec
// §9 Open Question: explicit-error for the tool_exec fallback policy,
// documented in DESIGN.md). When the tool declared an InputSchema, args
// is validated against it before the handler ever runs, so a malformed
// call never reaches a module's own code.
func (r *Registry) Invoke(ctx context.Context, name string, args []byte) (toolkit.Result, error) {
	t, ok := r.Get(name)
	if !ok {
		if r.IsKnown(name) {
			return toolkit.Error(toolkit.CodeNotFound,
				fmt.Sprintf("tool %q is known but not currently loaded", name), "", map[string]any{"tool": name}), nil
		}
		return toolkit.Error(toolkit.CodeNotFound, fmt.Sprintf("unknown tool %q", name), "", nil), nil
	}

	if schema, schemaErr, ok := r.schemaFor(name); ok {
		if schemaErr != nil {
			return toolkit.Error(toolkit.CodeInternal,
				fmt.Sprintf("tool %q has an invalid input schema", name), schemaErr.Error(), nil), nil
		}
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return toolkit.Error(toolkit.CodeInvalidInput,
				fmt.Sprintf("tool %q arguments are not valid JSON", name), err.Error(), nil), nil
		}
		if err := schema.Validate(decoded); err != nil {
			return toolkit.Error(toolkit.CodeInvalidInput,
				fmt.Sprintf("tool %q arguments failed schema validation", name), err.Error(), nil), nil
		}
	}

	return t.Handler(ctx, args)
}

// schemaFor returns the compiled input schema for name, if it declared
// one. The bool return distinguishes "no schema" (ok=false) from "schema
// present but failed to compile" (ok=true, schemaErr!=nil).
func (r *Registry) schemaFor(name string) (schema *jsonschema.Schema, schemaErr error, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, known := r.manifest[name]
	if !known || (e.schema == nil && e.schemaErr == nil) {
		return nil, nil, false
	}
	return e.schema, e.schemaErr, true
}

// TierMeta is one entry of Manifest(): a known tool's tier, its owning
// module, and whether it is currently live (spec §4.4).
type TierMeta struct {
	Name   string       `json:"name"`
	Tier   toolkit.Tier `json:"tier"`
	Module string       `json:"module"`
	Live   bool         `json:"live"`
}

// Manifest returns tier metadata for every known tool, live or not.
func (r *Registry) Manifest() []TierMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TierMeta, 0, len(r.manifest))
	for name, e := range r.manifest {
		_, live := r.live[name]
		out = append(out, TierMeta{Name: name, Tier: e.tool.Tier, Module: e.module, Live: live})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
