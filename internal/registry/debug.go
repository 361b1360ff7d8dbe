package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgerun/forge/internal/toolkit"
)

// hintRule maps a substring found in an error's body to a remediation
// suggestion (spec §4.5). Order matters: the first matching rule wins.
type hintRule struct {
	substrings []string
	hint       string
}

var hintTable = []hintRule{
	{[]string{"no route", "connection refused", "dial tcp", "unreachable"}, "network looks down; try link_up to bring the VPN back"},
	{[]string{"unauthorized", "token expired", "401"}, "credentials look stale; try refresh_credentials for the relevant cluster"},
	{[]string{"403", "permission denied", "forbidden"}, "the caller lacks permission; check the service account / role binding"},
	{[]string{"rate limit", "429", "too many requests"}, "backing off and retrying after a short delay usually clears this"},
}

// serviceTokenEnvHints names the environment variable to set for a
// service-specific token error, keyed by a substring found in the tool
// name (spec §4.5 "name the env var to set").
var serviceTokenEnvHints = map[string]string{
	"jira":     "JIRA_API_TOKEN",
	"gitlab":   "GITLAB_TOKEN",
	"slack":    "SLACK_BOT_TOKEN",
	"k8s":      "KUBECONFIG",
	"kube":     "KUBECONFIG",
	"konflux":  "KONFLUX_TOKEN",
}

// hintFor returns a remediation hint for an error body, or "" if none of
// the rules match.
func hintFor(toolName, body string) string {
	lower := strings.ToLower(body)
	for _, rule := range hintTable {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				if strings.Contains(lower, "token") {
					for name, env := range serviceTokenEnvHints {
						if strings.Contains(strings.ToLower(toolName), name) {
							return fmt.Sprintf("%s (set %s)", rule.hint, env)
						}
					}
				}
				return rule.hint
			}
		}
	}
	return ""
}

// sessionCounter is the in-memory per-session telemetry spec §4.5 calls
// for: tool-call count and last failure message. Keyed by an opaque
// session id supplied by the caller (the Workspace/Session manager owns
// the id itself; this package only aggregates by it).
type sessionCounter struct {
	mu           sync.Mutex
	calls        map[string]int
	lastFailure  map[string]string
}

func newSessionCounter() *sessionCounter {
	return &sessionCounter{calls: make(map[string]int), lastFailure: make(map[string]string)}
}

func (c *sessionCounter) recordCall(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[sessionID]++
}

func (c *sessionCounter) recordFailure(sessionID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailure[sessionID] = msg
}

// Snapshot returns the (calls, lastFailure) telemetry for a session.
func (c *sessionCounter) Snapshot(sessionID string) (calls int, lastFailure string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[sessionID], c.lastFailure[sessionID]
}

// DebugMetrics are the Prometheus series the debug wrapper feeds,
// grounded on the teacher's internal/observability/metrics.go
// ToolExecutionCounter/ToolExecutionDuration pair (spec SUPPLEMENTED
// FEATURES: "Prometheus health/metrics surface").
type DebugMetrics struct {
	ToolCalls    *prometheus.CounterVec
	ToolFailures *prometheus.CounterVec
}

// NewDebugMetrics registers the debug wrapper's counters against reg.
func NewDebugMetrics(reg prometheus.Registerer) *DebugMetrics {
	factory := promauto.With(reg)
	return &DebugMetrics{
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tool_calls_total",
			Help: "Total tool invocations observed by the debug wrapper.",
		}, []string{"tool"}),
		ToolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tool_failures_total",
			Help: "Total tool invocations whose result carried the error glyph.",
		}, []string{"tool"}),
	}
}

// DebugWrapper is C5: it wraps every registered handler so a leading
// error glyph triggers a remediation hint and a telemetry update (spec
// §4.5). It holds no source locations: modules declare those on the
// Tool at registration time, and the debug(name) meta-tool reads them
// from the registry without runtime reflection (spec §9 "Dynamic
// dispatch & reflective source capture").
type DebugWrapper struct {
	metrics  *DebugMetrics
	sessions *sessionCounter
}

// NewDebugWrapper constructs a DebugWrapper. metrics may be nil, in
// which case telemetry counters are skipped (useful in tests).
func NewDebugWrapper(metrics *DebugMetrics) *DebugWrapper {
	return &DebugWrapper{metrics: metrics, sessions: newSessionCounter()}
}

// SessionSnapshot exposes per-session telemetry for a debug/health tool.
func (d *DebugWrapper) SessionSnapshot(sessionID string) (calls int, lastFailure string) {
	return d.sessions.Snapshot(sessionID)
}

// sessionIDKey is the context key a caller sets so the wrapper can
// attribute calls to a session (spec §4.5 "per-session counter").
type sessionIDKey struct{}

// WithSessionID returns a context carrying sessionID for telemetry
// attribution.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func sessionIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return "unknown"
}

// Wrap returns a handler that delegates to inner, then on an error-glyph
// result appends a remediation hint, records telemetry, and returns the
// augmented result (spec §4.5).
func (d *DebugWrapper) Wrap(toolName string, inner toolkit.Handler) toolkit.Handler {
	return func(ctx context.Context, args []byte) (toolkit.Result, error) {
		sessionID := sessionIDFrom(ctx)
		if d.metrics != nil {
			d.metrics.ToolCalls.WithLabelValues(toolName).Inc()
		}
		d.sessions.recordCall(sessionID)

		res, err := inner(ctx, args)
		if err != nil {
			return res, err
		}
		if res.IsError() {
			if d.metrics != nil {
				d.metrics.ToolFailures.WithLabelValues(toolName).Inc()
			}
			d.sessions.recordFailure(sessionID, res.Message)
			if res.Hint == "" {
				res.Hint = hintFor(toolName, res.Message+" "+res.Inner)
			}
		}
		return res, nil
	}
}

// SourceText reads back the file lines a tool's SourceLocation points
// at, so the LLM can inspect the implementation and propose a patch
// (spec §4.5 "debug(name)"). It is deliberately a plain file read, not
// reflection: the source location is data the module supplied at
// registration (spec §9).
func SourceText(loc toolkit.SourceLocation) (string, error) {
	data, err := os.ReadFile(loc.File)
	if err != nil {
		return "", fmt.Errorf("read source %s: %w", loc.File, err)
	}
	lines := strings.Split(string(data), "\n")
	start := loc.StartLine - 1
	end := loc.EndLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) || end <= 0 {
		end = len(lines)
	}
	if start >= end {
		return "", fmt.Errorf("empty source range %d-%d for %s", loc.StartLine, loc.EndLine, loc.File)
	}
	return strings.Join(lines[start:end], "\n"), nil
}

// DebugTool builds the `debug(name)` meta-tool (spec §4.5). It looks the
// tool up in the manifest (so it works even for currently-unloaded
// tools) and returns its captured source text.
func DebugTool(reg *Registry) toolkit.Tool {
	return toolkit.Tool{
		Name:        "debug",
		Description: "Return the source text of a registered tool's implementation, by name.",
		Tier:        toolkit.TierCore,
		Handler: func(ctx context.Context, args []byte) (toolkit.Result, error) {
			name := strings.TrimSpace(string(args))
			name = strings.Trim(name, `"`)
			reg.mu.RLock()
			entry, ok := reg.manifest[name]
			reg.mu.RUnlock()
			if !ok {
				return toolkit.Error(toolkit.CodeNotFound, fmt.Sprintf("no manifest entry for %q", name), "", nil), nil
			}
			text, err := SourceText(entry.tool.Source)
			if err != nil {
				return toolkit.ErrorFrom("debug", err), nil
			}
			return toolkit.Success(text), nil
		},
	}
}

// toolExecArgs is tool_exec's input: the target tool name and its own
// arguments, passed through verbatim.
type toolExecArgs struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolExecTool builds the `tool_exec` dispatcher meta-tool (spec §4.4):
// a single entry point that invokes any live tool by name. It delegates
// straight to Registry.Invoke, so a tool that is merely unloaded (known
// but not live) surfaces the registry's explicit NOT_FOUND result
// rather than silently doing nothing (spec §9 Open Question: explicit-
// error over load-on-demand, recorded in DESIGN.md).
func ToolExecTool(reg *Registry) toolkit.Tool {
	return toolkit.Tool{
		Name:        "tool_exec",
		Description: "Invoke a registered tool by name, passing its arguments through verbatim. Tools not currently in the live set return a NOT_FOUND error.",
		Tier:        toolkit.TierCore,
		Handler: func(ctx context.Context, args []byte) (toolkit.Result, error) {
			var call toolExecArgs
			if err := json.Unmarshal(args, &call); err != nil || call.Name == "" {
				return toolkit.Error(toolkit.CodeInvalidInput, `tool_exec requires {"name": "<tool>", "args": {...}}`, "", nil), nil
			}
			callArgs := call.Args
			if len(callArgs) == 0 {
				callArgs = json.RawMessage("{}")
			}
			return reg.Invoke(ctx, call.Name, callArgs)
		},
	}
}
