package skillengine

import "testing"

type fakeToolKnowledge map[string]bool

func (f fakeToolKnowledge) IsKnown(name string) bool { return f[name] }

type fakePersonaCatalog map[string][]string

func (f fakePersonaCatalog) PersonasProviding(toolName string) []string { return f[toolName] }

func TestPreflightCheckPassesWhenAllToolsKnown(t *testing.T) {
	s := &Skill{Name: "deploy_staging", Steps: []Step{
		{Name: "lint", Tool: "gitlab_run_lint"},
		{Name: "deploy", Tool: "kubernetes_deploy"},
	}}
	tools := fakeToolKnowledge{"gitlab_run_lint": true, "kubernetes_deploy": true}
	if warnings := PreflightCheck(s, tools, nil); len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

func TestPreflightCheckFlagsUnknownToolAndNamesCandidatePersonas(t *testing.T) {
	s := &Skill{Name: "deploy_staging", Steps: []Step{
		{Name: "deploy", Tool: "kubernetes_deploy"},
	}}
	tools := fakeToolKnowledge{}
	personas := fakePersonaCatalog{"kubernetes_deploy": {"devops"}}

	warnings := PreflightCheck(s, tools, personas)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if !contains(warnings[0], "kubernetes_deploy") || !contains(warnings[0], "devops") {
		t.Fatalf("expected warning to name the tool and the candidate persona, got %q", warnings[0])
	}
}

func TestPreflightCheckOmitsPersonaListWhenNoneProvideIt(t *testing.T) {
	s := &Skill{Name: "deploy_staging", Steps: []Step{
		{Name: "deploy", Tool: "nonexistent_tool"},
	}}
	tools := fakeToolKnowledge{}
	personas := fakePersonaCatalog{}

	warnings := PreflightCheck(s, tools, personas)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if contains(warnings[0], "available from persona") {
		t.Fatalf("expected no persona-candidate clause, got %q", warnings[0])
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
