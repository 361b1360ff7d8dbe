package skillengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Context is the read-only namespace templates and conditions resolve
// against (spec §4.9 "Templating"): dotted path reads over inputs,
// prior step outputs, environment, and config. It performs no I/O;
// Env and Config are plain maps supplied by the caller.
type Context struct {
	Inputs  map[string]any
	Outputs map[string]any // step name -> its output value
	Env     map[string]string
	Config  map[string]any
}

// NewContext builds an empty Context.
func NewContext() *Context {
	return &Context{
		Inputs:  make(map[string]any),
		Outputs: make(map[string]any),
		Env:     make(map[string]string),
		Config:  make(map[string]any),
	}
}

var templateExpr = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveString substitutes every {{ expr }} occurrence in s with the
// string form of its evaluated value (spec §4.9 step 4d). An
// expression referencing an unknown name is an error (spec "reject
// unresolved references").
func ResolveString(s string, ctx *Context) (string, error) {
	var firstErr error
	out := templateExpr.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return ""
		}
		expr := templateExpr.FindStringSubmatch(match)[1]
		v, err := evalPipeline(expr, ctx)
		if err != nil {
			firstErr = err
			return ""
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue resolves a step argument value (spec §4.9 step 4d). A
// plain string containing exactly one {{ }} expression and nothing
// else resolves to the expression's native value (so numbers/bools/
// lists survive as such); any other string is treated as literal text
// with embedded substitutions. Non-string values pass through
// unchanged.
func ResolveValue(v any, ctx *Context) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if m := templateExpr.FindStringSubmatch(s); m != nil && strings.TrimSpace(s) == m[0] {
		return evalPipeline(m[1], ctx)
	}
	return ResolveString(s, ctx)
}

// ResolveArgs resolves every value in an args map (spec §4.9 step 4d).
func ResolveArgs(args map[string]any, ctx *Context) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		rv, err := ResolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve arg %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

// evalPipeline evaluates "path | filter | filter ..." (spec §4.9
// "a small set of pure filters").
func evalPipeline(expr string, ctx *Context) (any, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])
	v, err := evalAtom(path, ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range parts[1:] {
		v, err = applyFilter(strings.TrimSpace(f), v)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// evalAtom resolves a single literal or dotted path.
func evalAtom(atom string, ctx *Context) (any, error) {
	if lit, ok := parseLiteral(atom); ok {
		return lit, nil
	}
	return lookupPath(atom, ctx)
}

// parseLiteral recognizes quoted strings, booleans, and numbers so
// conditions can compare a path against a literal.
func parseLiteral(s string) (any, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, true
	}
	return nil, false
}

// lookupPath resolves a dotted path against the context (spec §4.9
// "dotted path reads (inputs.foo, outputs.step_name.field)").
func lookupPath(path string, ctx *Context) (any, error) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty template reference")
	}
	var root any
	switch segs[0] {
	case "inputs":
		root = ctx.Inputs
	case "outputs":
		root = ctx.Outputs
	case "env":
		env := make(map[string]any, len(ctx.Env))
		for k, v := range ctx.Env {
			env[k] = v
		}
		root = env
	case "config":
		root = ctx.Config
	default:
		return nil, fmt.Errorf("unresolved template reference %q: unknown root %q", path, segs[0])
	}

	cur := root
	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %q: %q is not a map", path, seg)
		}
		v, ok := m[seg]
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %q: no such key %q", path, seg)
		}
		cur = v
	}
	return cur, nil
}

// applyFilter implements spec §4.9's filter set: default, json, upper,
// lower, slugify.
func applyFilter(filter string, v any) (any, error) {
	name := filter
	var arg string
	if idx := strings.Index(filter, ":"); idx >= 0 {
		name = strings.TrimSpace(filter[:idx])
		arg = strings.Trim(strings.TrimSpace(filter[idx+1:]), `'"`)
	}
	switch name {
	case "default":
		if v == nil || v == "" {
			return arg, nil
		}
		return v, nil
	case "json":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json filter: %w", err)
		}
		return string(b), nil
	case "upper":
		return strings.ToUpper(stringify(v)), nil
	case "lower":
		return strings.ToLower(stringify(v)), nil
	case "slugify":
		return slugify(stringify(v)), nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

// EvalCondition evaluates a condition expression (spec §3 Skill
// "condition (template yielding boolean)"). Supports a single boolean
// comparison or a bare truthy path reference.
func EvalCondition(expr string, ctx *Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range comparisonOps {
		if idx := strings.Index(expr, op); idx >= 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.TrimSpace(expr[idx+len(op):])
			lv, err := evalPipeline(left, ctx)
			if err != nil {
				return false, err
			}
			rv, err := evalPipeline(right, ctx)
			if err != nil {
				return false, err
			}
			return compare(op, lv, rv)
		}
	}
	v, err := evalPipeline(expr, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func compare(op string, l, r any) (bool, error) {
	ls, lok := toFloat(l)
	rs, rok := toFloat(r)
	if lok && rok {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case ">":
			return ls > rs, nil
		case "<=":
			return ls <= rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	ltext, rtext := stringify(l), stringify(r)
	switch op {
	case "==":
		return ltext == rtext, nil
	case "!=":
		return ltext != rtext, nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands, got %q and %q", op, ltext, rtext)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
