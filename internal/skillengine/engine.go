package skillengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgerun/forge/internal/backoff"
	"github.com/forgerun/forge/internal/eventbus"
	"github.com/forgerun/forge/internal/heal"
	"github.com/forgerun/forge/internal/toolkit"
	"github.com/forgerun/forge/internal/tracing"
)

// Status is an Execution Context's lifecycle state (spec §3 "Execution
// context").
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusReady      Status = "ready"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// ExecutionContext is the per-invocation record the engine owns for the
// lifetime of one skill run (spec §3 "Execution context"). Two
// concurrent executions of the same skill never share one.
type ExecutionContext struct {
	ID        string
	SkillName string
	Inputs    map[string]any
	Outputs   map[string]any
	StepIndex int
	Status    Status
	Results   map[string]toolkit.Result
	StartedAt time.Time

	mu        sync.Mutex
	cancelled bool
}

// Cancel transitions the execution to a cancelled state at its next
// await point (spec §4.9 "Cancellation").
func (e *ExecutionContext) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *ExecutionContext) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// ToolInvoker is the subset of the Tool Registry the engine needs (spec
// §4.9 step 4e).
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args []byte) (toolkit.Result, error)
	IsLive(name string) bool
	IsKnown(name string) bool
}

// EventSink is the subset of the Event Bus the engine needs: fan-out
// plus the synchronous confirmation RPC (spec §4.8, §4.9 step 4c).
type EventSink interface {
	Publish(ev eventbus.Event)
	RegisterSkillStart(id, name string, stepCount int)
	UnregisterSkill(id string)
	RequestConfirmation(ctx context.Context, skillID, prompt string, options []string, def string, suggestion string, timeout time.Duration) (string, error)
}

// Outcome is what Execute returns (spec §4.9 step 5 "{outputs-by-step-
// name, duration}").
type Outcome struct {
	ExecutionID string
	Status      Status
	Outputs     map[string]any
	Duration    time.Duration
	Err         error
}

// Engine is C9 (spec §4.9), the most intricate component of the core.
type Engine struct {
	Tools ToolInvoker
	Bus   EventSink
	Heal  *heal.Wrapper

	// Tracer emits an OpenTelemetry span per skill execution and per
	// step (SPEC_FULL.md DOMAIN STACK, spec §9 "debug(name)" sibling
	// story: execution-trace inspection alongside source inspection).
	// A nil Tracer disables span creation entirely.
	Tracer *tracing.Tracer

	Env    map[string]string
	Config map[string]any

	Now func() time.Time
}

// NewEngine constructs an Engine. bus may be nil (events are dropped);
// heal may be nil (on_error: auto_heal falls through to abort as if
// the fix were unavailable).
func NewEngine(tools ToolInvoker, bus EventSink) *Engine {
	return &Engine{
		Tools:  tools,
		Bus:    bus,
		Env:    make(map[string]string),
		Config: make(map[string]any),
		Now:    time.Now,
	}
}

// Execute runs skill.execute(inputs) per spec §4.9's five-step
// algorithm and returns the final outcome. When e.Tracer is set, the
// whole execution is wrapped in one span (SPEC_FULL.md DOMAIN STACK).
func (e *Engine) Execute(ctx context.Context, skill *Skill, inputs map[string]any) (outcome *Outcome) {
	execID := uuid.NewString()
	start := e.now()

	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.SkillSpan(ctx, execID, skill.Name)
		defer func() { tracing.End(span, outcome.Err) }()
	}

	ec := &ExecutionContext{
		ID:        execID,
		SkillName: skill.Name,
		Inputs:    make(map[string]any),
		Outputs:   make(map[string]any),
		Results:   make(map[string]toolkit.Result),
		Status:    StatusValidating,
		StartedAt: start,
	}

	// Step 2: validate/coerce inputs.
	resolved, err := e.validateInputs(skill, inputs)
	if err != nil {
		e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: err.Error()})
		return &Outcome{ExecutionID: execID, Status: StatusFailed, Duration: e.now().Sub(start), Err: err}
	}
	ec.Inputs = resolved

	// Step 3: emit skill_started.
	ec.Status = StatusRunning
	if e.Bus != nil {
		e.Bus.RegisterSkillStart(execID, skill.Name, len(skill.Steps))
		defer e.Bus.UnregisterSkill(execID)
	}
	e.publish(eventbus.Event{Type: eventbus.EventSkillStarted, SkillID: execID, SkillName: skill.Name, StepCount: len(skill.Steps), Inputs: ec.Inputs})

	tctx := &Context{Inputs: ec.Inputs, Outputs: ec.Outputs, Env: e.Env, Config: e.Config}

	// Step 4: run steps in order.
	for i, step := range skill.Steps {
		ec.StepIndex = i

		if ec.isCancelled() {
			ec.Status = StatusAborted
			e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: "cancelled"})
			return &Outcome{ExecutionID: execID, Status: StatusAborted, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: fmt.Errorf("execution cancelled")}
		}

		e.publish(eventbus.Event{Type: eventbus.EventStepStarted, SkillID: execID, StepIndex: i, StepName: step.Name})

		if step.Condition != "" {
			ok, err := EvalCondition(step.Condition, tctx)
			if err != nil {
				ec.Status = StatusFailed
				e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: err.Error()})
				return &Outcome{ExecutionID: execID, Status: StatusFailed, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: err}
			}
			if !ok {
				e.publish(eventbus.Event{Type: eventbus.EventStepSkipped, SkillID: execID, StepIndex: i, StepName: step.Name})
				continue
			}
		}

		if step.Confirm != nil {
			action, err := e.confirm(ctx, execID, step.Confirm)
			if err != nil {
				ec.Status = StatusFailed
				return &Outcome{ExecutionID: execID, Status: StatusFailed, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: err}
			}
			switch action {
			case "abort":
				ec.Status = StatusAborted
				e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: "aborted by confirmation"})
				return &Outcome{ExecutionID: execID, Status: StatusAborted, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: fmt.Errorf("step %q aborted by confirmation", step.Name)}
			case "skip":
				e.publish(eventbus.Event{Type: eventbus.EventStepSkipped, SkillID: execID, StepIndex: i, StepName: step.Name})
				continue
			}
		}

		stepStart := e.now()
		args, err := ResolveArgs(step.Args, tctx)
		if err != nil {
			ec.Status = StatusFailed
			e.publish(eventbus.Event{Type: eventbus.EventStepFailed, SkillID: execID, StepIndex: i, StepName: step.Name, Error: err.Error()})
			e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: err.Error()})
			return &Outcome{ExecutionID: execID, Status: StatusFailed, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: err}
		}

		res, invokeErr := e.invokeStep(ctx, execID, step, args)
		failed := invokeErr != nil || res.IsError()

		if !failed {
			ec.Results[step.Name] = res
			if step.Output != "" {
				ec.Outputs[step.Output] = res.Message
			}
			e.publish(eventbus.Event{Type: eventbus.EventStepCompleted, SkillID: execID, StepIndex: i, StepName: step.Name, DurationS: e.now().Sub(stepStart).Seconds()})
			continue
		}

		// Step failed: dispatch by on_error (spec §4.9 step 4g).
		errText := res.Message
		if invokeErr != nil {
			errText = invokeErr.Error()
		}
		e.publish(eventbus.Event{Type: eventbus.EventStepFailed, SkillID: execID, StepIndex: i, StepName: step.Name, Error: errText, DurationS: e.now().Sub(stepStart).Seconds()})

		policy := step.OnError
		if policy == "" {
			policy = skill.OnError
		}
		if policy == "" {
			policy = OnErrorAbort
		}

		switch policy {
		case OnErrorContinue:
			continue
		case OnErrorRetry:
			res, invokeErr = e.retryStep(ctx, execID, step, args)
			if invokeErr == nil && !res.IsError() {
				ec.Results[step.Name] = res
				if step.Output != "" {
					ec.Outputs[step.Output] = res.Message
				}
				e.publish(eventbus.Event{Type: eventbus.EventStepCompleted, SkillID: execID, StepIndex: i, StepName: step.Name})
				continue
			}
			// Falls through to abort on final failure.
		case OnErrorAutoHeal:
			if e.Heal != nil {
				healed := e.Heal.Wrap(step.Tool, "auto", func(ctx context.Context, a []byte) (toolkit.Result, error) {
					return e.Tools.Invoke(ctx, step.Tool, a)
				})
				argBytes, _ := json.Marshal(args)
				res, invokeErr = healed(ctx, argBytes)
				if invokeErr == nil && !res.IsError() {
					ec.Results[step.Name] = res
					if step.Output != "" {
						ec.Outputs[step.Output] = res.Message
					}
					e.publish(eventbus.Event{Type: eventbus.EventStepCompleted, SkillID: execID, StepIndex: i, StepName: step.Name})
					continue
				}
			}
			// Falls through to abort when no fix was available or it failed.
		}

		ec.Status = StatusFailed
		finalErr := errText
		if invokeErr != nil {
			finalErr = invokeErr.Error()
		} else {
			finalErr = res.Message
		}
		e.publish(eventbus.Event{Type: eventbus.EventSkillFailed, SkillID: execID, SkillName: skill.Name, Error: finalErr})
		return &Outcome{ExecutionID: execID, Status: StatusFailed, Outputs: ec.Outputs, Duration: e.now().Sub(start), Err: fmt.Errorf("step %q failed: %s", step.Name, finalErr)}
	}

	ec.Status = StatusCompleted
	duration := e.now().Sub(start)
	e.publish(eventbus.Event{Type: eventbus.EventSkillCompleted, SkillID: execID, SkillName: skill.Name, DurationS: duration.Seconds()})
	return &Outcome{ExecutionID: execID, Status: StatusCompleted, Outputs: ec.Outputs, Duration: duration}
}

func (e *Engine) invokeStep(ctx context.Context, execID string, step Step, args map[string]any) (res toolkit.Result, err error) {
	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.StepSpan(ctx, execID, step.Name, step.Tool)
		defer func() { tracing.End(span, err) }()
	}

	if !e.Tools.IsLive(step.Tool) {
		if e.Tools.IsKnown(step.Tool) {
			return toolkit.Error(toolkit.CodeNotFound, fmt.Sprintf("tool %q is known but not currently loaded", step.Tool), "", nil), nil
		}
		return toolkit.Error(toolkit.CodeNotFound, fmt.Sprintf("unknown tool %q", step.Tool), "", nil), nil
	}
	argBytes, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return toolkit.Result{}, fmt.Errorf("marshal args for step %q: %w", step.Name, marshalErr)
	}
	return e.Tools.Invoke(ctx, step.Tool, argBytes)
}

// retryStep implements the `retry` on_error strategy (spec §4.9 step
// 4g "wait initial_delay, exponentially back off up to max_delay, up
// to max_attempts").
func (e *Engine) retryStep(ctx context.Context, execID string, step Step, args map[string]any) (toolkit.Result, error) {
	policy := step.Retry
	maxAttempts := 3
	initial := 500 * time.Millisecond
	maxDelay := 10 * time.Second
	multiplier := 2.0
	if policy != nil {
		if policy.MaxAttempts > 0 {
			maxAttempts = policy.MaxAttempts
		}
		initial = parseDuration(policy.InitialDelay, initial)
		maxDelay = parseDuration(policy.MaxDelay, maxDelay)
		if policy.Multiplier > 0 {
			multiplier = policy.Multiplier
		}
	}
	bp := backoff.FromSkillPolicy(initial, maxDelay, multiplier)

	var res toolkit.Result
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := backoff.Compute(bp, attempt)
		select {
		case <-ctx.Done():
			return toolkit.Result{}, ctx.Err()
		case <-time.After(delay):
		}
		res, err = e.invokeStep(ctx, execID, step, args)
		if err == nil && !res.IsError() {
			return res, nil
		}
	}
	return res, err
}

// confirm calls the Event Bus's synchronous confirmation RPC and maps
// the response to the engine's abort/skip/proceed actions (spec §4.9
// step 4c).
func (e *Engine) confirm(ctx context.Context, execID string, c *ConfirmBlock) (string, error) {
	if e.Bus == nil {
		return "proceed", nil
	}
	timeout := time.Duration(c.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resp, err := e.Bus.RequestConfirmation(ctx, execID, c.Prompt, c.Options, c.Default, c.Suggestion, timeout)
	if err != nil {
		return "", fmt.Errorf("request confirmation: %w", err)
	}
	switch resp {
	case "abort":
		return "abort", nil
	case "skip":
		return "skip", nil
	case eventbus.LetClaudeDefault:
		// The bus already resolved let_claude to a concrete suggestion on
		// timeout; seeing the sentinel itself here means no suggestion was
		// configured, so fall back to the happy path (spec §4.8 step 3).
		return "proceed", nil
	default:
		return "proceed", nil
	}
}

// validateInputs implements spec §4.9 step 2: required-present check,
// default fill, simple scalar coercion.
func (e *Engine) validateInputs(skill *Skill, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(skill.Inputs))
	for _, in := range skill.Inputs {
		v, present := raw[in.Name]
		if !present {
			if in.Required {
				return nil, fmt.Errorf("missing required input %q", in.Name)
			}
			if in.Default != nil {
				v = in.Default
			} else {
				continue
			}
		}
		coerced, err := coerceScalar(v, in.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		out[in.Name] = coerced
	}
	return out, nil
}

func coerceScalar(v any, t InputType) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return stringify(v), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case float64:
			return int(x), nil
		case int:
			return x, nil
		case string:
			return 0, fmt.Errorf("value %q is not an int", x)
		}
		return v, nil
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return false, fmt.Errorf("value %v is not a bool", v)
	case TypeList, TypeMap, "":
		return v, nil
	default:
		return v, nil
	}
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.Bus == nil {
		return
	}
	ev.Timestamp = e.now()
	e.Bus.Publish(ev)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
