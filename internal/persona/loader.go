package persona

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/workspace"
)

// Module is the capability interface a tool module exposes (spec §6.5
// register_tools). Names returns the tool names it added, for the
// reverse-lookup index the loader keeps.
type Module interface {
	Name() string
	RegisterTools(reg *registry.Registry) ([]string, error)
}

// Resolver resolves a logical module name from a persona's module list
// to a concrete Module, applying the suffix/fallback rule of spec §3
// Module (bare -> core, "_basic" -> basic, "_extra" -> extra, "_style"
// -> style; fallback order core -> basic -> legacy-single). Because tool
// implementations are external collaborators (spec §1), the concrete
// file lookup is left to the orchestrator's wiring; Resolver is the
// seam that applies the fallback ORDER once candidates are known.
type Resolver struct {
	// core/basic/extra/style/legacy each map a bare logical name (e.g.
	// "jira") to the Module that implements that tier, if any.
	core   map[string]Module
	basic  map[string]Module
	extra  map[string]Module
	style  map[string]Module
	legacy map[string]Module
}

// NewResolver builds an empty Resolver; modules are registered into it
// via RegisterModule before any persona switch resolves names against
// it.
func NewResolver() *Resolver {
	return &Resolver{
		core:   make(map[string]Module),
		basic:  make(map[string]Module),
		extra:  make(map[string]Module),
		style:  make(map[string]Module),
		legacy: make(map[string]Module),
	}
}

// Tier names the suffix-derived tier a module implementation was
// registered under (spec §3 Module).
type Tier string

const (
	TierCore   Tier = "core"
	TierBasic  Tier = "basic"
	TierExtra  Tier = "extra"
	TierStyle  Tier = "style"
	TierLegacy Tier = "legacy"
)

// RegisterModule adds a concrete Module implementation for logical name
// under the given tier.
func (r *Resolver) RegisterModule(name string, tier Tier, m Module) {
	switch tier {
	case TierCore:
		r.core[name] = m
	case TierBasic:
		r.basic[name] = m
	case TierExtra:
		r.extra[name] = m
	case TierStyle:
		r.style[name] = m
	default:
		r.legacy[name] = m
	}
}

// Resolve returns every Module that should load for a persona's logical
// module-list entry. A bare name ("jira") resolves core→basic→legacy in
// fallback order, stopping at the first tier present. A suffixed name
// ("jira_extra", "jira_style") resolves to that variant alone.
func (r *Resolver) Resolve(name string) ([]Module, error) {
	if m, ok := r.extra[trimSuffix(name, "_extra")]; ok && hasSuffix(name, "_extra") {
		return []Module{m}, nil
	}
	if m, ok := r.style[trimSuffix(name, "_style")]; ok && hasSuffix(name, "_style") {
		return []Module{m}, nil
	}
	if m, ok := r.basic[trimSuffix(name, "_basic")]; ok && hasSuffix(name, "_basic") {
		return []Module{m}, nil
	}

	// Bare name: core -> basic -> legacy-single fallback order.
	if m, ok := r.core[name]; ok {
		return []Module{m}, nil
	}
	if m, ok := r.basic[name]; ok {
		return []Module{m}, nil
	}
	if m, ok := r.legacy[name]; ok {
		return []Module{m}, nil
	}
	return nil, fmt.Errorf("no module resolves for %q", name)
}

func hasSuffix(s, suf string) bool {
	return len(s) > len(suf) && s[len(s)-len(suf):] == suf
}

func trimSuffix(s, suf string) string {
	if hasSuffix(s, suf) {
		return s[:len(s)-len(suf)]
	}
	return s
}

// SwitchResult is returned by Switch (spec §4.7 step 7).
type SwitchResult struct {
	Success    bool     `json:"success"`
	ToolCount  int      `json:"tool_count"`
	PersonaText string  `json:"persona_text"`
	Errors     []string `json:"errors,omitempty"`
}

// Loader is C7. Protected is seeded at construction (spec §9 "Protected
// set ... a field of the Persona Loader, seeded at construction").
type Loader struct {
	reg       *registry.Registry
	resolver  *Resolver
	dir       string
	logger    *slog.Logger
	protected map[string]bool
	debug     *registry.DebugWrapper

	mu      sync.Mutex
	current string
	loaded  map[string][]string // module name -> tool names it added, for this persona

	watcher *fsnotify.Watcher
	onChange func(name string) // callback invoked when a persona file changes on disk
}

// DefaultProtected is the protected-core tool set spec §4.7 names:
// session start, persona load/list, debug, memory ask/search/store/
// health/list-adapters. tool_exec is registered directly at boot under
// the "core" module the same way debug is (spec §4.4), so it is
// protected for the same reason: without it, the first persona switch
// would unregister the tool_exec dispatcher.
func DefaultProtected() map[string]bool {
	return map[string]bool{
		"session_start":        true,
		"persona_load":         true,
		"persona_list":         true,
		"debug":                true,
		"tool_exec":            true,
		"memory_ask":           true,
		"memory_search":        true,
		"memory_store":         true,
		"memory_health":        true,
		"memory_list_adapters": true,
	}
}

// NewLoader constructs a Loader. personaDir is where *.yaml persona
// definitions live (spec §6.3 <project>/personas/*.yaml).
func NewLoader(reg *registry.Registry, resolver *Resolver, personaDir string, protected map[string]bool, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if protected == nil {
		protected = DefaultProtected()
	}
	return &Loader{
		reg:       reg,
		resolver:  resolver,
		dir:       personaDir,
		logger:    logger,
		protected: protected,
		loaded:    make(map[string][]string),
	}
}

// SetDebug wires the Debug & Failure-Hint Wrapper (C5) into the loader so
// every module-contributed tool Switch registers gets wrapped the same
// way the protected core tools do (spec §4.11 step 5). Called once by
// the orchestrator at boot, after both components exist.
func (l *Loader) SetDebug(debug *registry.DebugWrapper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = debug
}

// Current returns the name of the currently loaded persona.
func (l *Loader) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Switch is the persona switch algorithm (spec §4.7 "switch").
func (l *Loader) Switch(ctx context.Context, personaName string, ws *workspace.Workspace) (*SwitchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	def, err := Load(filepath.Join(l.dir, personaName+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("load persona %q: %w", personaName, err)
	}

	// Step 3: unregister everything live that isn't protected.
	for _, name := range l.reg.LiveNames() {
		if !l.protected[name] {
			l.reg.Unregister(name)
		}
	}

	// Step 4: load each module, collecting per-module failures so a
	// partial failure still leaves the remaining modules loaded (spec
	// §4.7 "On partial failure").
	newLoaded := make(map[string][]string)
	var failures []string
	totalTools := 0
	for _, moduleName := range def.Modules {
		mods, err := l.resolver.Resolve(moduleName)
		if err != nil {
			failures = append(failures, moduleName)
			l.logger.Warn("persona module failed to resolve", "persona", personaName, "module", moduleName, "error", err)
			continue
		}
		ok := true
		var names []string
		for _, m := range mods {
			added, err := m.RegisterTools(l.reg)
			if err != nil {
				ok = false
				l.logger.Warn("persona module failed to register", "persona", personaName, "module", moduleName, "error", err)
				continue
			}
			l.wrapWithDebug(added)
			names = append(names, added...)
		}
		if !ok {
			failures = append(failures, moduleName)
		}
		newLoaded[moduleName] = names
		totalTools += len(names)
	}

	l.current = personaName
	l.loaded = newLoaded
	if ws != nil {
		ws.Persona = personaName
	}

	// Step 6: emit the tool-list-changed notification regardless of
	// partial failure — a partial persona beats an empty one (spec §4.7).
	l.reg.NotifyToolListChanged()

	return &SwitchResult{
		Success:     len(failures) == 0,
		ToolCount:   totalTools + len(l.protected),
		PersonaText: def.Persona + def.PersonaAppend,
		Errors:      failures,
	}, nil
}

// wrapWithDebug interposes the Debug & Failure-Hint Wrapper (C5) around
// every freshly-registered tool name, re-registering it under the same
// live entry so the §7 hint line and the forge_tool_calls_total/
// forge_tool_failures_total counters fire for module-contributed tools
// exactly as they do for the protected core ones (spec §4.11 step 5).
// registerLocked only appends to the module index for a name it hasn't
// seen before, so re-registering the wrapped handler here does not
// duplicate byModule's bookkeeping.
func (l *Loader) wrapWithDebug(names []string) {
	if l.debug == nil {
		return
	}
	for _, name := range names {
		tool, ok := l.reg.Get(name)
		if !ok {
			continue
		}
		module, _ := l.reg.ModuleOf(name)
		tool.Handler = l.debug.Wrap(name, tool.Handler)
		l.reg.Register(module, tool)
	}
}

// PersonasProviding returns the name of every persona definition on disk
// whose module list would resolve to a module providing toolName,
// matching by the resolver's tier-suffix trimming so "jira_basic" in a
// persona's modules list still answers for a bare tool name it
// contributes (spec §4.9 "Loading" pre-flight — "listing the personas
// that would provide it"). The tool's module comes from the registry's
// module-of index, which every persona file's module list is then
// checked against. A tool with no manifest entry (no persona has
// registered it this run) has no known module, and no persona is
// reported for it.
func (l *Loader) PersonasProviding(toolName string) []string {
	wantModule, known := l.reg.ModuleOf(toolName)

	names, err := l.List()
	if err != nil {
		return nil
	}
	var providers []string
	for _, name := range names {
		def, err := Load(filepath.Join(l.dir, name+".yaml"))
		if err != nil {
			continue
		}
		for _, m := range def.Modules {
			bare := trimSuffix(trimSuffix(trimSuffix(m, "_extra"), "_style"), "_basic")
			if known && bare == wantModule {
				providers = append(providers, name)
				break
			}
		}
	}
	return providers
}

// ModuleTools returns the tool names the currently loaded persona's
// module contributed, for reverse lookup (spec §4.7 "collect the names
// it added and index them under the module name").
func (l *Loader) ModuleTools(moduleName string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[moduleName]
}

// List returns every persona name discoverable in the persona directory.
func (l *Loader) List() ([]string, error) {
	entries, err := filepathGlob(l.dir, "*.yaml")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		base := filepath.Base(e)
		names = append(names, base[:len(base)-len(filepath.Ext(base))])
	}
	return names, nil
}

func filepathGlob(dir, pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, pattern))
}

// WatchForChanges starts an fsnotify watch on the persona directory,
// invoking onChange with the affected persona's logical name whenever a
// YAML file is written (SPEC_FULL.md SUPPLEMENTED FEATURES: hot reload,
// grounded on internal/skills/manager.go's watcher/refreshWatches).
func (l *Loader) WatchForChanges(ctx context.Context, onChange func(name string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch persona dir %s: %w", l.dir, err)
	}
	l.mu.Lock()
	l.watcher = w
	l.onChange = onChange
	l.mu.Unlock()

	go func() {
		debounce := map[string]*time.Timer{}
		var dmu sync.Mutex
		for {
			select {
			case <-ctx.Done():
				w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				base := filepath.Base(ev.Name)
				name := base[:len(base)-len(filepath.Ext(base))]
				dmu.Lock()
				if t, exists := debounce[name]; exists {
					t.Stop()
				}
				debounce[name] = time.AfterFunc(250*time.Millisecond, func() {
					if onChange != nil {
						onChange(name)
					}
				})
				dmu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("persona watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if running.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
