package skillengine

import "testing"

func newTestContext() *Context {
	return &Context{
		Inputs:  map[string]any{"issue_key": "AAP-12345"},
		Outputs: map[string]any{"fetch_issue": map[string]any{"status": "Open", "count": 3.0}},
		Env:     map[string]string{"HOME": "/root"},
		Config:  map[string]any{"repo": "forge"},
	}
}

func TestResolveStringSubstitutesPath(t *testing.T) {
	out, err := ResolveString("issue={{ inputs.issue_key }}", newTestContext())
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if out != "issue=AAP-12345" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestResolveStringIsPure(t *testing.T) {
	ctx := newTestContext()
	first, err := ResolveString("{{ inputs.issue_key | lower }}", ctx)
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	second, err := ResolveString("{{ inputs.issue_key | lower }}", ctx)
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic output, got %q and %q", first, second)
	}
	if first != "aap-12345" {
		t.Fatalf("unexpected lowered output: %q", first)
	}
}

func TestResolveStringUnresolvedReferenceErrors(t *testing.T) {
	_, err := ResolveString("{{ inputs.does_not_exist }}", newTestContext())
	if err == nil {
		t.Fatal("expected error for unresolved reference")
	}
}

func TestSlugifyFilter(t *testing.T) {
	out, err := ResolveString("{{ inputs.issue_key | slugify }}", newTestContext())
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if out != "aap-12345" {
		t.Fatalf("unexpected slug: %q", out)
	}
}

func TestResolveValuePreservesNativeType(t *testing.T) {
	v, err := ResolveValue("{{ outputs.fetch_issue.count }}", newTestContext())
	if err != nil {
		t.Fatalf("ResolveValue: %v", err)
	}
	if v != 3.0 {
		t.Fatalf("expected native float64 3.0, got %#v", v)
	}
}

func TestEvalConditionStringEquality(t *testing.T) {
	ok, err := EvalCondition("outputs.fetch_issue.status == 'Open'", newTestContext())
	if err != nil {
		t.Fatalf("EvalCondition: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to be true")
	}
}

func TestEvalConditionNumericComparison(t *testing.T) {
	ok, err := EvalCondition("outputs.fetch_issue.count > 1", newTestContext())
	if err != nil {
		t.Fatalf("EvalCondition: %v", err)
	}
	if !ok {
		t.Fatal("expected count > 1 to be true")
	}
}

func TestEvalConditionBareTruthyPath(t *testing.T) {
	ctx := newTestContext()
	ctx.Outputs["flag"] = true
	ok, err := EvalCondition("outputs.flag", ctx)
	if err != nil {
		t.Fatalf("EvalCondition: %v", err)
	}
	if !ok {
		t.Fatal("expected bare truthy path to evaluate true")
	}
}

func TestDefaultFilterAppliesOnlyWhenEmpty(t *testing.T) {
	ctx := newTestContext()
	ctx.Inputs["branch"] = ""
	out, err := ResolveString("{{ inputs.branch | default:'main' }}", ctx)
	if err != nil {
		t.Fatalf("ResolveString: %v", err)
	}
	if out != "main" {
		t.Fatalf("expected default to apply, got %q", out)
	}
}
