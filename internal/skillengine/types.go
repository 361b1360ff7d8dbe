// Package skillengine implements the Skill Engine (spec §4.9, C9): YAML
// workflow definitions executed as an ordered step graph with templated
// arguments, conditions, confirmations, and per-step error policies.
// Grounded on the teacher's internal/skills package for the YAML
// loading/validation idiom (types.go, manager.go) and on
// internal/backoff for the retry delay; the restricted templating
// grammar is spec-mandated in place of a general template library
// (spec §9 "do not import a general template language").
package skillengine

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InputType enumerates the scalar/collection kinds a skill input may
// declare (spec §3 Skill).
type InputType string

const (
	TypeString InputType = "string"
	TypeInt    InputType = "int"
	TypeBool   InputType = "bool"
	TypeList   InputType = "list"
	TypeMap    InputType = "map"
)

// InputDef is one entry in a skill's inputs list.
type InputDef struct {
	Name     string    `yaml:"name"`
	Type     InputType `yaml:"type"`
	Required bool      `yaml:"required"`
	Default  any       `yaml:"default,omitempty"`
}

// OnError names a step's (or the skill's global) failure policy (spec
// §3 Skill "per-step on_error strategy").
type OnError string

const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
	OnErrorAutoHeal OnError = "auto_heal"
)

// RetryPolicy configures the `retry` on_error strategy (spec §3 Skill
// "retry policy").
type RetryPolicy struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	InitialDelay string  `yaml:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
}

// ConfirmBlock is a step's optional confirmation prompt (spec §3 Skill,
// §4.9 step 4c).
type ConfirmBlock struct {
	Prompt     string   `yaml:"prompt"`
	Options    []string `yaml:"options"`
	Default    string   `yaml:"default"`
	Suggestion string   `yaml:"claude_suggestion,omitempty"`
	TimeoutS   float64  `yaml:"timeout_seconds"`
}

// Step is one entry in a skill's ordered step list (spec §3 Skill).
type Step struct {
	Name      string         `yaml:"name"`
	Tool      string         `yaml:"tool"`
	Args      map[string]any `yaml:"args,omitempty"`
	Output    string         `yaml:"output,omitempty"`
	Condition string         `yaml:"condition,omitempty"`
	Confirm   *ConfirmBlock  `yaml:"confirm,omitempty"`
	OnError   OnError        `yaml:"on_error,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty"`
}

// Skill is a parsed skill definition (spec §3 Skill, §6.3
// <project>/skills/*.yaml).
type Skill struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Inputs      []InputDef `yaml:"inputs"`
	Steps       []Step     `yaml:"steps"`
	OnError     OnError    `yaml:"on_error,omitempty"`
}

// Load parses and validates a skill YAML file (spec §4.9 "Loading").
func Load(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}
	var s Skill
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse skill %s: %w", path, err)
	}
	if err := Validate(&s); err != nil {
		return nil, fmt.Errorf("validate skill %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the structural invariants knowable from the document
// alone (spec §4.9 "Loading"): a skill name, unique non-empty input and
// step names, a tool on every step, and unique output bindings. Template
// references are not checked here; an unresolved reference fails its
// step at execution time (names legitimately depend on steps earlier in
// the list).
func Validate(s *Skill) error {
	if s.Name == "" {
		return fmt.Errorf("skill has no name")
	}
	seenInputs := make(map[string]bool)
	for _, in := range s.Inputs {
		if in.Name == "" {
			return fmt.Errorf("skill %s: input with no name", s.Name)
		}
		if seenInputs[in.Name] {
			return fmt.Errorf("skill %s: duplicate input name %q", s.Name, in.Name)
		}
		seenInputs[in.Name] = true
	}

	seenSteps := make(map[string]bool)
	seenOutputs := make(map[string]bool)
	for _, st := range s.Steps {
		if st.Name == "" {
			return fmt.Errorf("skill %s: step with no name", s.Name)
		}
		if seenSteps[st.Name] {
			return fmt.Errorf("skill %s: duplicate step name %q", s.Name, st.Name)
		}
		seenSteps[st.Name] = true
		if st.Tool == "" {
			return fmt.Errorf("skill %s: step %q has no tool", s.Name, st.Name)
		}
		if st.Output != "" {
			if seenOutputs[st.Output] {
				return fmt.Errorf("skill %s: duplicate output binding %q", s.Name, st.Output)
			}
			seenOutputs[st.Output] = true
		}
	}
	return nil
}

// ToolKnowledge is the subset of the Tool Registry the pre-flight check
// needs: whether a name is registered at all, live or manifest-only
// (spec §4.9 "Loading").
type ToolKnowledge interface {
	IsKnown(name string) bool
}

// PersonaCatalog answers which personas would load a given tool, so a
// pre-flight warning can tell the operator how to fix a missing tool
// (spec §4.9 "Loading" — "listing the personas that would provide it").
type PersonaCatalog interface {
	PersonasProviding(toolName string) []string
}

// PreflightCheck scans a loaded skill's steps for tools that are
// neither live nor known to the registry at all, returning one warning
// string per offending step. A tool that is known but merely unloaded
// (a different persona's module) is not flagged here — only a name the
// registry has never heard of, since an unloaded-but-known tool still
// resolves to a structured NOT_FOUND at runtime rather than silently
// doing nothing (spec §4.9 "Loading").
func PreflightCheck(s *Skill, tools ToolKnowledge, personas PersonaCatalog) []string {
	var warnings []string
	for _, st := range s.Steps {
		if tools != nil && tools.IsKnown(st.Tool) {
			continue
		}
		warning := fmt.Sprintf("skill %s: step %q names unknown tool %q", s.Name, st.Name, st.Tool)
		if personas != nil {
			if providers := personas.PersonasProviding(st.Tool); len(providers) > 0 {
				warning += fmt.Sprintf(" (available from persona(s): %s)", strings.Join(providers, ", "))
			}
		}
		warnings = append(warnings, warning)
	}
	return warnings
}

// parseDuration parses a skill YAML duration string ("500ms", "2s",
// "1m") via the standard library, falling back to a default when
// blank.
func parseDuration(spec string, def time.Duration) time.Duration {
	if spec == "" {
		return def
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return def
	}
	return d
}
