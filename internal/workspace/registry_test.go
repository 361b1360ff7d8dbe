package workspace

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetOrCreateCreatesOnFirstAccess(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)
	w := r.GetOrCreate("workspace://a")
	if w.URI != "workspace://a" {
		t.Fatalf("unexpected uri: %s", w.URI)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 workspace, got %d", r.Len())
	}
	// Second call returns the same instance, not a new one.
	w2 := r.GetOrCreate("workspace://a")
	if w != w2 {
		t.Fatalf("expected same workspace instance on repeat GetOrCreate")
	}
}

func TestGetForCtxFallsBackToDefault(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)
	w := r.GetForCtx(RequestContext{})
	if w.URI != DefaultWorkspaceURI {
		t.Fatalf("expected default uri, got %s", w.URI)
	}
}

func TestCleanupStaleRemovesOnlyOldInactiveSessions(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "workspaces.json"), nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return now })

	w := r.GetOrCreate("workspace://a")
	stale := w.NewSession("devops", "proj", now.Add(-25*time.Hour))
	fresh := w.NewSession("devops", "proj", now)
	stale.active = false
	// fresh is the active session; keep it active, but back-date it.
	fresh.LastActivity = now.Add(-23 * time.Hour)

	// Advance the clock past the threshold for "stale".
	now = now.Add(2 * time.Hour)
	r.SetNowFunc(func() time.Time { return now })

	removed := r.CleanupStale()
	if removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	if _, ok := w.Sessions[stale.ID]; ok {
		t.Fatalf("expected stale session removed")
	}
	if _, ok := w.Sessions[fresh.ID]; !ok {
		t.Fatalf("expected active session preserved even though old")
	}
}

func TestSaveAndRestoreRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.json")
	r := NewRegistry(path, nil)
	now := time.Now()
	w := r.GetOrCreate("workspace://a")
	w.NewSession("devops", "proj", now)
	w.Persona = "devops"

	if err := r.SaveToDisk(); err != nil {
		t.Fatalf("SaveToDisk: %v", err)
	}

	r2 := NewRegistry(path, nil)
	if err := r2.RestoreIfEmpty(); err != nil {
		t.Fatalf("RestoreIfEmpty: %v", err)
	}
	if r2.Len() != 1 {
		t.Fatalf("expected restored workspace, got %d", r2.Len())
	}
	got := r2.GetOrCreate("workspace://a")
	if got.Persona != "devops" {
		t.Fatalf("expected persona restored, got %q", got.Persona)
	}
	if len(got.Sessions) != 1 {
		t.Fatalf("expected 1 session restored, got %d", len(got.Sessions))
	}
}

func TestMaybeSaveThrottles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspaces.json")
	r := NewRegistry(path, nil)
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })
	r.GetOrCreate("workspace://a")

	if err := r.MaybeSave(true); err != nil {
		t.Fatalf("forced MaybeSave: %v", err)
	}
	firstWrite := r.lastWrite

	// Within the throttle window, a non-forced save should not update lastWrite.
	r.GetOrCreate("workspace://b")
	if err := r.MaybeSave(false); err != nil {
		t.Fatalf("throttled MaybeSave: %v", err)
	}
	if !r.lastWrite.Equal(firstWrite) {
		t.Fatalf("expected throttled save to skip the write")
	}
}
