package corestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateDebounceCoalescesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := NewStateStore(path, nil)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Set("counters", "n", i)
	}

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected no write before debounce window elapses")
	}

	time.Sleep(DebounceWindow + 200*time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected exactly one write after debounce window: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal written state: %v", err)
	}
	if got := st.Sections["counters"]["n"]; got != float64(49) {
		t.Fatalf("expected last value 49, got %v", got)
	}
}

func TestStateFlushIsImmediate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := NewStateStore(path, nil)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	s.SetServiceEnabled("jira", true)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file after explicit flush: %v", err)
	}
}

func TestStateCrossProcessConsistency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := NewStateStore(path, nil)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	s.SetJobEnabled("nightly", true)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Simulate an external process modifying the file.
	time.Sleep(10 * time.Millisecond)
	external := newState()
	external.Jobs["nightly"] = false
	external.Jobs["hourly"] = true
	data, _ := json.Marshal(external)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	// Ensure mtime advances on filesystems with coarse resolution.
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	if s.JobEnabled("nightly") {
		t.Fatalf("expected external modification to be observed")
	}
	if !s.JobEnabled("hourly") {
		t.Fatalf("expected externally added key to be observed")
	}
}

func TestStateCorruptFileIsReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s, err := NewStateStore(path, nil)
	if err != nil {
		t.Fatalf("NewStateStore should recover from corrupt file: %v", err)
	}
	if s.JobEnabled("anything") {
		t.Fatalf("expected fresh default state")
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected corrupt file moved aside, got %v", matches)
	}
}
