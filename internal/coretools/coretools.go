// Package coretools implements the handful of protected-core tools that
// the runtime itself owns rather than delegating to an external tool
// module (spec §4.7 "protected ... session start, persona load/list,
// debug, memory ask/search/store/health/list-adapters"). debug() lives
// in internal/registry (it needs the manifest directly); the
// memory_* tools are an external collaborator per spec §1 and are not
// implemented here. session_start and persona_load/persona_list manage
// the Workspace Registry and Persona Loader, both core components, so
// the orchestrator registers them directly at boot (spec §4.11 step 4
// "register the protected core tools directly").
//
// Grounded on the teacher's cmd/nexus/handlers_skills.go request/result
// JSON-shape idiom, turned from an HTTP handler into a toolkit.Handler.
package coretools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgerun/forge/internal/persona"
	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/toolkit"
	"github.com/forgerun/forge/internal/workspace"
)

// sourceFile is recorded on every tool this package registers so the
// debug(name) meta-tool can read the handler back without reflection
// (spec §9 "Dynamic dispatch & reflective source capture").
const sourceFile = "internal/coretools/coretools.go"

// sessionStartArgs is session_start's input (spec §3 Session "creation").
type sessionStartArgs struct {
	Persona string `json:"persona"`
	Project string `json:"project"`
}

type sessionStartResult struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace"`
	Persona   string `json:"persona"`
	Project   string `json:"project"`
}

// SessionStartTool builds session_start: it creates (or reuses) the
// default workspace and starts a new Session in it (spec §3 Session
// "Lifecycle: created on first message from that workspace").
func SessionStartTool(workspaces *workspace.Registry) toolkit.Tool {
	return toolkit.Tool{
		Name:        "session_start",
		Description: "Start a new session in the active workspace, recording its persona and detected project.",
		Tier:        toolkit.TierCore,
		Source:      toolkit.SourceLocation{File: sourceFile, StartLine: 48, EndLine: 76},
		Handler: func(ctx context.Context, raw json.RawMessage) (toolkit.Result, error) {
			var args sessionStartArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return toolkit.Error(toolkit.CodeInvalidInput, "session_start arguments are not valid JSON", err.Error(), nil), nil
				}
			}
			ws := workspaces.GetOrCreate(workspace.DefaultWorkspaceURI)
			sess := ws.NewSession(args.Persona, args.Project, time.Now())

			body, err := json.Marshal(sessionStartResult{
				SessionID: sess.ID,
				Workspace: ws.URI,
				Persona:   sess.Persona,
				Project:   sess.Project,
			})
			if err != nil {
				return toolkit.ErrorFrom("session_start", err), nil
			}
			return toolkit.Success(string(body)), nil
		},
	}
}

// personaLoadArgs is persona_load's input (spec §4.7 Switch(persona_name)).
type personaLoadArgs struct {
	Name string `json:"name"`
}

// PersonaLoadTool builds persona_load: it drives the Persona Loader's
// Switch algorithm against the caller's workspace (spec §4.7).
func PersonaLoadTool(workspaces *workspace.Registry, loader *persona.Loader) toolkit.Tool {
	return toolkit.Tool{
		Name:        "persona_load",
		Description: "Switch the active workspace to a named persona, replacing all non-protected tools.",
		Tier:        toolkit.TierCore,
		Source:      toolkit.SourceLocation{File: sourceFile, StartLine: 85, EndLine: 111},
		Handler: func(ctx context.Context, raw json.RawMessage) (toolkit.Result, error) {
			var args personaLoadArgs
			if err := json.Unmarshal(raw, &args); err != nil || args.Name == "" {
				return toolkit.Error(toolkit.CodeInvalidInput, "persona_load requires {\"name\": \"<persona>\"}", "", nil), nil
			}
			ws := workspaces.GetOrCreate(workspace.DefaultWorkspaceURI)
			result, err := loader.Switch(ctx, args.Name, ws)
			if err != nil {
				return toolkit.ErrorFrom("persona_load", err), nil
			}
			body, err := json.Marshal(result)
			if err != nil {
				return toolkit.ErrorFrom("persona_load", err), nil
			}
			if !result.Success {
				return toolkit.Warning(string(body)), nil
			}
			return toolkit.Success(string(body)), nil
		},
	}
}

// PersonaListTool builds persona_list: it enumerates every persona
// definition discoverable in the persona directory (spec §4.7 "List").
func PersonaListTool(loader *persona.Loader) toolkit.Tool {
	return toolkit.Tool{
		Name:        "persona_list",
		Description: "List every persona name discoverable in the project's personas directory.",
		Tier:        toolkit.TierCore,
		Source:      toolkit.SourceLocation{File: sourceFile, StartLine: 115, EndLine: 133},
		Handler: func(ctx context.Context, raw json.RawMessage) (toolkit.Result, error) {
			names, err := loader.List()
			if err != nil {
				return toolkit.ErrorFrom("persona_list", err), nil
			}
			body, err := json.Marshal(names)
			if err != nil {
				return toolkit.ErrorFrom("persona_list", err), nil
			}
			return toolkit.Success(string(body)), nil
		},
	}
}

// RegisterAll registers session_start, persona_load, and persona_list
// against reg under the "core" module (spec §4.11 step 4), each wrapped
// with the Debug & Failure-Hint Wrapper (C5) so the §7 hint line and the
// forge_tool_calls_total/forge_tool_failures_total counters cover the
// protected core tools the same as every persona-contributed one. A nil
// debug disables wrapping (tests construct a registry without metrics).
func RegisterAll(reg interface {
	Register(module string, tool toolkit.Tool)
}, workspaces *workspace.Registry, loader *persona.Loader, debug *registry.DebugWrapper) {
	reg.Register("core", wrapped(SessionStartTool(workspaces), debug))
	reg.Register("core", wrapped(PersonaLoadTool(workspaces, loader), debug))
	reg.Register("core", wrapped(PersonaListTool(loader), debug))
}

// wrapped interposes debug.Wrap around tool's handler when debug is set.
func wrapped(tool toolkit.Tool, debug *registry.DebugWrapper) toolkit.Tool {
	if debug != nil {
		tool.Handler = debug.Wrap(tool.Name, tool.Handler)
	}
	return tool
}
