// Package promptbuilder implements the Session/Super-Prompt Builder
// (spec §4.10, C10): a small, mostly-pure accumulator of named context
// sections with a token-cost heuristic and budget flags. Grounded on
// the teacher's internal/workspace/loader.go for the "read-only context
// assembled from several independently-sourced parts" idiom,
// generalized from a single project-detection pass to named, ordered
// prompt sections.
package promptbuilder

import (
	"fmt"
	"strings"
)

// charsPerToken is the rough heuristic spec §4.10 names: 4 characters
// per token.
const charsPerToken = 4

// SectionName enumerates the fixed canonical section kinds (spec
// §4.10).
type SectionName string

const (
	SectionPersona SectionName = "persona"
	SectionSkills  SectionName = "skills"
	SectionMemory  SectionName = "memory"
	SectionJira    SectionName = "jira"
	SectionSlack   SectionName = "slack"
	SectionCode    SectionName = "code"
	SectionMeeting SectionName = "meeting"
	SectionCustom  SectionName = "custom"
)

// canonicalOrder is the fixed concatenation order build() assembles
// sections in (spec §4.10 "concatenates sections in a fixed canonical
// order").
var canonicalOrder = []SectionName{
	SectionPersona,
	SectionSkills,
	SectionMemory,
	SectionJira,
	SectionSlack,
	SectionCode,
	SectionMeeting,
	SectionCustom,
}

// BudgetThresholds names the token counts at which build() raises the
// warning/danger flags.
type BudgetThresholds struct {
	Warning int
	Danger  int
}

// DefaultThresholds is a reasonable default for an 8k-token-class model
// context window, leaving headroom for the model's own reply.
var DefaultThresholds = BudgetThresholds{Warning: 6_000, Danger: 7_500}

// Section is one named block of context text.
type Section struct {
	Name SectionName
	Text string
}

// MemoryClient is the capability interface add_memory_context is
// gated on (spec §6.5 "memory_ask/search/store").
type MemoryClient interface {
	Ask(query string) (string, error)
}

// JiraClient is the capability interface add_jira_issue is gated on
// (spec §4.10 "e.g. add_jira_issue may fetch through an injected
// client").
type JiraClient interface {
	FetchIssue(key string) (string, error)
}

// Builder accumulates named sections (spec §4.10). It performs I/O
// only when a caller invokes one of the capability-gated Add*
// methods; direct AddSection calls never touch the network.
type Builder struct {
	sections  map[SectionName]Section
	custom    []Section
	thresholds BudgetThresholds
	memory    MemoryClient
	jira      JiraClient
}

// New constructs an empty Builder. memory and jira may be nil; the
// corresponding Add* methods then return an error instead of silently
// no-op'ing, so a caller always knows when a section was skipped.
func New(memory MemoryClient, jira JiraClient) *Builder {
	return &Builder{
		sections:   make(map[SectionName]Section),
		thresholds: DefaultThresholds,
		memory:     memory,
		jira:       jira,
	}
}

// SetThresholds overrides the warning/danger budget flags.
func (b *Builder) SetThresholds(t BudgetThresholds) { b.thresholds = t }

// AddSection sets (or replaces) a fixed-name section's text directly,
// no I/O involved.
func (b *Builder) AddSection(name SectionName, text string) {
	if name == SectionCustom {
		b.custom = append(b.custom, Section{Name: name, Text: text})
		return
	}
	b.sections[name] = Section{Name: name, Text: text}
}

// AddJiraIssue fetches an issue through the injected JiraClient and
// adds it under the jira section (spec §4.10 "add_jira_issue").
func (b *Builder) AddJiraIssue(key string) error {
	if b.jira == nil {
		return fmt.Errorf("no jira client configured")
	}
	text, err := b.jira.FetchIssue(key)
	if err != nil {
		return fmt.Errorf("fetch jira issue %s: %w", key, err)
	}
	b.AddSection(SectionJira, text)
	return nil
}

// AddMemoryContext fetches a memory answer through the injected
// MemoryClient and adds it under the memory section.
func (b *Builder) AddMemoryContext(query string) error {
	if b.memory == nil {
		return fmt.Errorf("no memory client configured")
	}
	text, err := b.memory.Ask(query)
	if err != nil {
		return fmt.Errorf("memory ask %q: %w", query, err)
	}
	b.AddSection(SectionMemory, text)
	return nil
}

// Result is build()'s output (spec §4.10 "returns the assembled
// string plus per-section token counts and two flags").
type Result struct {
	Text          string
	TokensBySection map[SectionName]int
	TotalTokens   int
	Warning       bool
	Danger        bool
}

// estimateTokens applies the 4-chars-per-token heuristic.
func estimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Build concatenates every populated section in canonical order (spec
// §4.10 "build()"). It performs no I/O; all fetching happens in the
// capability-gated Add* methods beforehand.
func (b *Builder) Build() Result {
	var buf strings.Builder
	tokens := make(map[SectionName]int)
	total := 0

	for _, name := range canonicalOrder {
		if name == SectionCustom {
			for _, s := range b.custom {
				writeSection(&buf, s)
				n := estimateTokens(s.Text)
				tokens[SectionCustom] += n
				total += n
			}
			continue
		}
		s, ok := b.sections[name]
		if !ok || s.Text == "" {
			continue
		}
		writeSection(&buf, s)
		n := estimateTokens(s.Text)
		tokens[name] = n
		total += n
	}

	return Result{
		Text:            buf.String(),
		TokensBySection: tokens,
		TotalTokens:     total,
		Warning:         total >= b.thresholds.Warning,
		Danger:          total >= b.thresholds.Danger,
	}
}

func writeSection(buf *strings.Builder, s Section) {
	if buf.Len() > 0 {
		buf.WriteString("\n\n")
	}
	fmt.Fprintf(buf, "## %s\n%s", s.Name, s.Text)
}
