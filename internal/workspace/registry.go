// Package workspace implements the workspace/session registry (spec §4.3,
// C3): a process singleton keyed by opaque client-supplied workspace URI,
// each holding a current persona, detected project, and an ordered map of
// sessions. It follows the teacher's sessions package for the
// staleness-check idiom (internal/sessions/expiry.go's injectable nowFunc)
// and its own config/loader.go for the JSON persistence shape, generalized
// from per-file workspace context to a full URI-keyed registry.
package workspace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StalenessThreshold is the age beyond which a session is eligible for
// cleanup (spec §3 Session, glossary "Staleness threshold").
const StalenessThreshold = 24 * time.Hour

// minWriteInterval throttles persistence: at most one write per interval,
// with a forced write at shutdown (spec §4.3).
const minWriteInterval = 5 * time.Second

// Session is a conversation within a workspace (spec §3 Session).
type Session struct {
	ID           string    `json:"id"`
	Persona      string    `json:"persona"`
	Project      string    `json:"project"`
	ActiveIssue  string    `json:"active_issue,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	active       bool
}

// Touch bumps LastActivity to now.
func (s *Session) Touch(now time.Time) { s.LastActivity = now }

// Workspace is identified by an opaque URI supplied by the host client
// (spec §3 Workspace).
type Workspace struct {
	URI              string              `json:"uri"`
	Persona          string              `json:"persona"`
	Project          string              `json:"project"`
	Sessions         map[string]*Session `json:"sessions"`
	ActiveSessionID  string              `json:"active_session_id,omitempty"`
	toolFilterCache  []string
}

func newWorkspace(uri string) *Workspace {
	return &Workspace{URI: uri, Sessions: make(map[string]*Session)}
}

// ActiveSession returns the workspace's active session, if any.
func (w *Workspace) ActiveSession() (*Session, bool) {
	if w.ActiveSessionID == "" {
		return nil, false
	}
	s, ok := w.Sessions[w.ActiveSessionID]
	return s, ok
}

// NewSession creates and registers a session, making it active.
func (w *Workspace) NewSession(persona, project string, now time.Time) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Persona:      persona,
		Project:      project,
		CreatedAt:    now,
		LastActivity: now,
		active:       true,
	}
	if w.Sessions == nil {
		w.Sessions = make(map[string]*Session)
	}
	if prev, ok := w.ActiveSession(); ok {
		prev.active = false
	}
	w.Sessions[s.ID] = s
	w.ActiveSessionID = s.ID
	return s
}

// ToolFilterCache returns the workspace's cached tool-name filter, if set.
func (w *Workspace) ToolFilterCache() []string { return w.toolFilterCache }

// SetToolFilterCache stores a small tool-filter cache for the workspace.
func (w *Workspace) SetToolFilterCache(names []string) { w.toolFilterCache = names }

// RequestContext is the subset of host-protocol request context the
// registry needs: a way to list the client's declared roots (spec §6.5
// list_roots). Real wiring comes from the host protocol adapter; tests
// supply a literal struct.
type RequestContext struct {
	Roots []string
}

// DefaultWorkspaceURI is used when the host protocol exposes no roots.
const DefaultWorkspaceURI = "workspace://default"

// Registry is the process singleton mapping workspace URI to Workspace
// (spec §4.3). All exported methods are safe for concurrent use.
type Registry struct {
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace
	order      []string // insertion order, for deterministic persistence

	lastWrite time.Time
	nowFunc   func() time.Time
}

// NewRegistry constructs a Registry that persists to path (spec §6.3
// workspaces.json).
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:       path,
		logger:     logger,
		workspaces: make(map[string]*Workspace),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock, for deterministic staleness tests.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	r.mu.Lock()
	r.nowFunc = fn
	r.mu.Unlock()
}

// GetOrCreate returns the workspace for uri, creating it if unknown
// (spec §4.3).
func (r *Registry) GetOrCreate(uri string) *Workspace {
	if uri == "" {
		uri = DefaultWorkspaceURI
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(uri)
}

func (r *Registry) getOrCreateLocked(uri string) *Workspace {
	w, ok := r.workspaces[uri]
	if !ok {
		w = newWorkspace(uri)
		r.workspaces[uri] = w
		r.order = append(r.order, uri)
	}
	return w
}

// GetForCtx extracts the workspace URI from a host-protocol request
// context's roots, falling back to DefaultWorkspaceURI when absent
// (spec §4.3 "get_for_ctx").
func (r *Registry) GetForCtx(ctx RequestContext) *Workspace {
	uri := DefaultWorkspaceURI
	if len(ctx.Roots) > 0 && ctx.Roots[0] != "" {
		uri = ctx.Roots[0]
	}
	return r.GetOrCreate(uri)
}

// CleanupStale removes sessions past StalenessThreshold in every
// workspace, never removing a session marked active (spec §3 Session,
// §4.3, §8 property 5).
func (r *Registry) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	removed := 0
	for _, w := range r.workspaces {
		for id, s := range w.Sessions {
			if s.active || id == w.ActiveSessionID {
				continue
			}
			if now.Sub(s.LastActivity) >= StalenessThreshold {
				delete(w.Sessions, id)
				removed++
			}
		}
	}
	return removed
}

// persistedForm is the on-disk shape for workspaces.json.
type persistedForm struct {
	Workspaces map[string]*Workspace `json:"workspaces"`
	Order      []string              `json:"order"`
}

// SaveToDisk serializes the full registry to a single JSON file
// (spec §4.3). It bypasses the per-write throttle; callers that want the
// throttled path should use MaybeSave.
func (r *Registry) SaveToDisk() error {
	r.mu.Lock()
	snapshot := persistedForm{Workspaces: make(map[string]*Workspace, len(r.workspaces)), Order: append([]string(nil), r.order...)}
	for k, v := range r.workspaces {
		snapshot.Workspaces[k] = v
	}
	r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create workspace registry dir: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write workspace registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("rename workspace registry: %w", err)
	}

	r.mu.Lock()
	r.lastWrite = r.nowFunc()
	r.mu.Unlock()
	return nil
}

// MaybeSave writes to disk only if at least minWriteInterval has elapsed
// since the last write (spec §4.3 "its own throttle: at most one write
// per 5 s"). force bypasses the throttle (used at shutdown).
func (r *Registry) MaybeSave(force bool) error {
	r.mu.Lock()
	elapsed := r.nowFunc().Sub(r.lastWrite)
	r.mu.Unlock()
	if !force && elapsed < minWriteInterval {
		return nil
	}
	return r.SaveToDisk()
}

// RestoreIfEmpty loads the registry from disk if the in-memory map is
// empty (spec §4.3, called once at boot).
func (r *Registry) RestoreIfEmpty() error {
	r.mu.Lock()
	empty := len(r.workspaces) == 0
	r.mu.Unlock()
	if !empty {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workspace registry: %w", err)
	}

	var form persistedForm
	if err := json.Unmarshal(data, &form); err != nil {
		r.logger.Warn("workspace registry file corrupt, starting empty", "path", r.path, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if form.Workspaces != nil {
		r.workspaces = form.Workspaces
	}
	for uri, w := range r.workspaces {
		if w.Sessions == nil {
			w.Sessions = make(map[string]*Session)
		}
		if s, ok := w.Sessions[w.ActiveSessionID]; ok {
			s.active = true
		}
		_ = uri
	}
	if form.Order != nil {
		r.order = form.Order
	} else {
		r.order = make([]string, 0, len(r.workspaces))
		for uri := range r.workspaces {
			r.order = append(r.order, uri)
		}
	}
	return nil
}

// Len reports the number of known workspaces (test/diagnostics helper).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}
