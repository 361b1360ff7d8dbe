// Package heal implements the Auto-Heal Wrapper (spec §4.6, C6):
// failure-class detection, a bounded fix-then-retry loop, and an
// append-only failure-pattern log with rolling daily/weekly aggregates
// (spec §6.3 tool_failures.yaml). Grounded on the teacher's
// internal/agent/errors.go classification idiom, generalized from
// retryability classification to a fix-action dispatch. A retry runs
// immediately after a fix; there is no backoff delay between attempts.
package heal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgerun/forge/internal/toolkit"
)

// Class is a detected failure category (spec §4.6 table).
type Class string

const (
	ClassAuth    Class = "auth"
	ClassNetwork Class = "network"
	ClassUnknown Class = "unknown"
	ClassNone    Class = "none"
)

// clusterLabels are the known cluster names the auth-fix cluster
// inference scans for (spec §4.6 "Cluster inference").
var clusterLabels = []string{"stage", "prod", "ephemeral", "konflux"}

// classify inspects output text case-insensitively for the substrings
// spec §4.6's table names.
func classify(text string) Class {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "unauthorized", "401", "403", "token expired", "permission denied"):
		return ClassAuth
	case containsAny(lower, "no route to host", "connection refused", "timeout", "dial tcp"):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// inferCluster scans output first, then toolName, for a known cluster
// label, falling back to defaultCluster. Output-match-first resolves
// spec §9's open question on name-vs-output precedence.
func inferCluster(toolName, output, defaultCluster string) string {
	lowerOut := strings.ToLower(output)
	for _, label := range clusterLabels {
		if strings.Contains(lowerOut, label) {
			return label
		}
	}
	lowerName := strings.ToLower(toolName)
	for _, label := range clusterLabels {
		if strings.Contains(lowerName, label) {
			return label
		}
	}
	return defaultCluster
}

// EventPublisher receives heal lifecycle notifications so an observer
// can see auto-heal activity in real time (spec §4.8 outbound table
// "heal: triggered / completed | class, fix action, success"). A nil
// EventPublisher disables them; Wrap still runs the fix-then-retry
// algorithm and the failure log either way.
type EventPublisher interface {
	HealTriggered(toolName string, class Class)
	HealCompleted(toolName string, class Class, fixAction string, success bool)
}

// FixActions are the external collaborators C6 calls into (spec §6.5):
// credential refresh and VPN link-up. Both must be idempotent no-ops
// when the resource is already healthy (spec §4.6 "Idempotence").
type FixActions struct {
	RefreshCredentials func(ctx context.Context, cluster string) (bool, error)
	LinkUp             func(ctx context.Context) (bool, error)
}

// Entry is one append-only failure-pattern log record (spec §3
// Failure-pattern log, §6.3 tool_failures.yaml).
type Entry struct {
	Tool        string    `yaml:"tool"`
	Class       Class     `yaml:"class"`
	ErrorSnippet string   `yaml:"error_snippet"`
	FixApplied  string    `yaml:"fix_applied,omitempty"`
	Success     bool      `yaml:"success"`
	Timestamp   time.Time `yaml:"timestamp"`
}

// logFile is the on-disk shape of tool_failures.yaml: an append-only
// list plus rolling daily/weekly aggregates keyed by ISO day/week.
type logFile struct {
	Failures []Entry                  `yaml:"failures"`
	Stats    map[string]map[string]int `yaml:"stats"` // "2026-07-31" or "2026-W31" -> class -> count
}

// retentionDays bounds the daily aggregate's history (spec §3 "old daily
// entries beyond a retention horizon are pruned on write").
const retentionDays = 30

// Log is the failure-pattern log (spec §3, §4.6 step 3). It is safe for
// concurrent use; writes are serialized under its own mutex and take the
// same advisory-lock discipline as corestore (spec §5 "Log files ...
// written under advisory file locks").
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a failure log backed by path. Nothing is opened here;
// the file is created on the first Append.
func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) load() (*logFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &logFile{Stats: make(map[string]map[string]int)}, nil
		}
		return nil, err
	}
	var lf logFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return &logFile{Stats: make(map[string]map[string]int)}, nil
	}
	if lf.Stats == nil {
		lf.Stats = make(map[string]map[string]int)
	}
	return &lf, nil
}

func (l *Log) save(lf *logFile) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	lock, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	data, err := yaml.Marshal(lf)
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Append records a failure entry, updates the daily and ISO-week rolling
// aggregates idempotently within the same second (spec §3 invariant),
// and prunes daily entries older than retentionDays.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lf, err := l.load()
	if err != nil {
		return fmt.Errorf("load failure log: %w", err)
	}

	// Idempotence within the same second: drop an exact duplicate of the
	// most recent entry rather than double-counting a retried append.
	if n := len(lf.Failures); n > 0 {
		last := lf.Failures[n-1]
		if last.Tool == entry.Tool && last.Class == entry.Class && last.Success == entry.Success &&
			last.Timestamp.Truncate(time.Second).Equal(entry.Timestamp.Truncate(time.Second)) {
			return nil
		}
	}

	lf.Failures = append(lf.Failures, entry)

	dayKey := entry.Timestamp.Format("2006-01-02")
	year, week := entry.Timestamp.ISOWeek()
	weekKey := fmt.Sprintf("%d-W%02d", year, week)
	for _, key := range []string{dayKey, weekKey} {
		if lf.Stats[key] == nil {
			lf.Stats[key] = make(map[string]int)
		}
		lf.Stats[key][string(entry.Class)]++
	}

	l.pruneLocked(lf, entry.Timestamp)

	return l.save(lf)
}

func (l *Log) pruneLocked(lf *logFile, now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	for key := range lf.Stats {
		if len(key) == 10 { // "YYYY-MM-DD" daily key; week keys are "YYYY-Www"
			t, err := time.Parse("2006-01-02", key)
			if err == nil && t.Before(cutoff) {
				delete(lf.Stats, key)
			}
		}
	}
}

// Snapshot returns a copy of the current entries and aggregates.
func (l *Log) Snapshot() ([]Entry, map[string]map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lf, err := l.load()
	if err != nil {
		return nil, nil, err
	}
	return lf.Failures, lf.Stats, nil
}

// Wrapper is C6. MaxRetries defaults to 1 (spec §9 resolves the
// documented 1-vs-3 inconsistency in favor of 1, configurable per tool).
type Wrapper struct {
	Actions        FixActions
	MaxRetries     int
	DefaultCluster string
	Log            *Log
	Now            func() time.Time

	// Events fans heal_triggered/heal_completed out to the Event Bus,
	// when set (wired by the orchestrator at boot).
	Events EventPublisher
}

// NewWrapper constructs a Wrapper with spec-default MaxRetries=1.
func NewWrapper(actions FixActions, log *Log, defaultCluster string) *Wrapper {
	return &Wrapper{
		Actions:        actions,
		MaxRetries:     1,
		DefaultCluster: defaultCluster,
		Log:            log,
		Now:            time.Now,
	}
}

// clusterArg lets a caller request automatic cluster inference by
// passing the sentinel "auto" (spec §4.6).
const clusterArg = "auto"

// Wrap applies the auto-heal algorithm around inner (spec §4.6 steps
// 1-4). toolName and cluster are supplied by the caller (the Persona
// Loader / tool registration decides which tools get auto-heal and with
// which cluster hint).
func (w *Wrapper) Wrap(toolName, cluster string, inner toolkit.Handler) toolkit.Handler {
	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return func(ctx context.Context, args []byte) (toolkit.Result, error) {
		attempt := 0
		var lastRes toolkit.Result
		var lastErr error
		fixApplied := ""
		detectedClass := ClassNone
		triggered := false

		for {
			lastRes, lastErr = inner(ctx, args)
			text := lastRes.Message + " " + lastRes.Inner
			if lastErr != nil {
				text += " " + lastErr.Error()
			}

			if lastErr == nil && !lastRes.IsError() {
				break
			}

			class := classify(text)
			detectedClass = class
			if class == ClassUnknown || attempt >= maxRetries {
				break
			}

			if w.Events != nil {
				w.Events.HealTriggered(toolName, class)
			}
			triggered = true

			fixed, fixName := w.applyFix(ctx, class, toolName, text, cluster)
			fixApplied = fixName
			attempt++
			if !fixed {
				break
			}
		}

		success := lastErr == nil && !lastRes.IsError()

		if triggered && w.Events != nil {
			w.Events.HealCompleted(toolName, detectedClass, fixApplied, success)
		}

		if w.Log != nil && detectedClass != ClassNone {
			snippet := lastRes.Message
			if lastErr != nil {
				snippet = lastErr.Error()
			}
			_ = w.Log.Append(Entry{
				Tool:         toolName,
				Class:        detectedClass,
				ErrorSnippet: snippet,
				FixApplied:   fixApplied,
				Success:      success,
				Timestamp:    w.Now(),
			})
		}

		return lastRes, lastErr
	}
}

// applyFix dispatches to the mapped fix action for class (spec §4.6
// table) and reports whether it succeeded, plus the action's name for
// the log entry.
func (w *Wrapper) applyFix(ctx context.Context, class Class, toolName, output, cluster string) (bool, string) {
	switch class {
	case ClassAuth:
		if w.Actions.RefreshCredentials == nil {
			return false, "refresh_credentials"
		}
		resolved := cluster
		if resolved == "" || resolved == clusterArg {
			resolved = inferCluster(toolName, output, w.DefaultCluster)
		}
		ok, err := w.Actions.RefreshCredentials(ctx, resolved)
		return err == nil && ok, "refresh_credentials:" + resolved
	case ClassNetwork:
		if w.Actions.LinkUp == nil {
			return false, "link_up"
		}
		ok, err := w.Actions.LinkUp(ctx)
		return err == nil && ok, "link_up"
	default:
		return false, ""
	}
}
