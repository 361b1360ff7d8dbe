// Package orchestrator implements the Runtime Orchestrator (spec §4.11,
// C11): the boot/shutdown sequence that wires every other component
// together and drives the host-protocol loop. Grounded on the teacher's
// cmd/nexus/main.go buildRootCmd/service-bootstrap split and its
// internal/service lifecycle idiom, generalized from a multi-channel
// gateway's bootstrap to the core's persona/tool/skill bootstrap.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgerun/forge/internal/coretools"
	"github.com/forgerun/forge/internal/corestore"
	"github.com/forgerun/forge/internal/eventbus"
	"github.com/forgerun/forge/internal/heal"
	"github.com/forgerun/forge/internal/hostproto"
	"github.com/forgerun/forge/internal/persona"
	"github.com/forgerun/forge/internal/promptbuilder"
	"github.com/forgerun/forge/internal/registry"
	"github.com/forgerun/forge/internal/skillengine"
	"github.com/forgerun/forge/internal/tracing"
	"github.com/forgerun/forge/internal/workspace"
)

// Exit codes (spec §4.11 "Shutdown"/"Failures"): 0 normal, 64 bad CLI
// arguments (EX_USAGE), 70 internal fatal (EX_SOFTWARE), 77 unable to
// open the host-protocol stdio (EX_NOPERM, closest sysexits match for
// "can't acquire the channel this process needs to do anything").
const (
	ExitOK             = 0
	ExitUsage          = 64
	ExitInternal       = 70
	ExitNoHostProtocol = 77
)

// EventBusPort is the fixed localhost port the bus listens on (spec
// §4.8 "a fixed localhost port").
const EventBusPort = 8137

// MetricsPort serves /metrics (Prometheus) and /healthz, an
// operator-facing surface beyond what spec.md asked for explicitly
// (SPEC_FULL.md SUPPLEMENTED FEATURES), grounded on the teacher's
// internal/gateway/http_server.go mux wiring.
const MetricsPort = 8138

// Flags is the parsed, validated set of boot-time CLI flags (spec
// §4.11 step 3). Persona, Tools, and All are mutually exclusive.
type Flags struct {
	Persona string
	Tools   []string
	All     bool
	Name    string
	NoBus   bool
}

// Validate enforces the mutual-exclusivity rule (spec §4.11
// "--persona/--tools/--all are mutually exclusive").
func (f Flags) Validate() error {
	set := 0
	if f.Persona != "" {
		set++
	}
	if len(f.Tools) > 0 {
		set++
	}
	if f.All {
		set++
	}
	if set > 1 {
		return errors.New("--persona, --tools, and --all are mutually exclusive")
	}
	return nil
}

// Paths names every on-disk location the orchestrator opens at boot
// (spec §6.3).
type Paths struct {
	ProjectDir   string // <project>/
	PersonaDir   string // <project>/personas/
	SkillDir     string // <project>/skills/
	ConfigFile   string // <project>/config.json
	StateFile    string // <project>/state.json
	WorkspaceFile string // <project>/workspaces.json
	FailureLog   string // <project>/tool_failures.yaml
}

// DefaultPaths derives the standard layout under projectDir.
func DefaultPaths(projectDir string) Paths {
	return Paths{
		ProjectDir:    projectDir,
		PersonaDir:    filepath.Join(projectDir, "personas"),
		SkillDir:      filepath.Join(projectDir, "skills"),
		ConfigFile:    filepath.Join(projectDir, "config.json"),
		StateFile:     filepath.Join(projectDir, "state.json"),
		WorkspaceFile: filepath.Join(projectDir, "workspaces.json"),
		FailureLog:    filepath.Join(projectDir, "tool_failures.yaml"),
	}
}

// Runtime holds every booted component, assembled in dependency order
// (spec §4.11 step 4: "Create the Tool Registry" through step 6: "Start
// the Event Bus").
type Runtime struct {
	Logger     *slog.Logger
	Config     *corestore.ConfigStore
	State      *corestore.StateStore
	Workspaces *workspace.Registry
	Registry   *registry.Registry
	Debug      *registry.DebugWrapper
	Heal       *heal.Wrapper
	Resolver   *persona.Resolver
	Personas   *persona.Loader
	Bus        *eventbus.Bus
	HostProto  *hostproto.Server
	Skills     *skillengine.Engine
	Prompts    *promptbuilder.Builder
	Tracer     *tracing.Tracer

	metrics        *prometheus.Registry
	tracerShutdown func(context.Context) error
	started        time.Time

	flags Flags
	paths Paths
}

// tracingEndpoint reads the OTLP/gRPC collector address out of the
// project config's integrations section (spec §6.3 "integrations"),
// e.g. {"integrations": {"observability": {"tracing": {"endpoint":
// "localhost:4317"}}}}. An empty/missing value disables export; the
// engine still runs with a no-op tracer (SPEC_FULL.md DOMAIN STACK).
func tracingEndpoint(cfg *corestore.Config) string {
	obs, _ := cfg.Integrations["observability"].(map[string]any)
	tr, _ := obs["tracing"].(map[string]any)
	endpoint, _ := tr["endpoint"].(string)
	return endpoint
}

// Boot runs the boot sequence (spec §4.11 steps 1-6) and returns an
// assembled Runtime ready to enter the host-protocol loop, or a non-nil
// err paired with the exit code the caller should use.
func Boot(flags Flags, paths Paths, stdin *os.File, stdout *os.File) (*Runtime, int, error) {
	// Step 1: install logging.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := flags.Validate(); err != nil {
		return nil, ExitUsage, err
	}

	if err := os.MkdirAll(paths.ProjectDir, 0o755); err != nil {
		return nil, ExitInternal, fmt.Errorf("create project dir: %w", err)
	}
	if err := corestore.Bootstrap(paths.ConfigFile); err != nil {
		return nil, ExitInternal, fmt.Errorf("bootstrap config: %w", err)
	}

	// Step 2: load config + workspace registry.
	cfg, err := corestore.NewConfigStore(paths.ConfigFile)
	if err != nil {
		return nil, ExitInternal, fmt.Errorf("load config: %w", err)
	}
	state, err := corestore.NewStateStore(paths.StateFile, logger)
	if err != nil {
		return nil, ExitInternal, fmt.Errorf("load state: %w", err)
	}
	workspaces := workspace.NewRegistry(paths.WorkspaceFile, logger)
	if err := workspaces.RestoreIfEmpty(); err != nil {
		logger.Warn("workspace registry restore failed, starting empty", "error", err)
	}

	// Step 4: create the Tool Registry, bound to the host protocol
	// adapter as its Notifier (wired below once the adapter exists).
	reg := registry.New(registry.NopNotifier{})

	// A fresh registry per boot, not prometheus.DefaultRegisterer: this
	// process may boot more than once in a test binary, and the default
	// registerer panics on a second registration of the same metric name.
	metricsReg := prometheus.NewRegistry()
	debugMetrics := registry.NewDebugMetrics(metricsReg)
	debugWrapper := registry.NewDebugWrapper(debugMetrics)

	failureLog := heal.NewLog(paths.FailureLog)
	healWrapper := heal.NewWrapper(heal.FixActions{}, failureLog, "stage")

	// Step 4 (continued): register the protected core tools (spec §4.7
	// "Protected set"), each wrapped with the Debug & Failure-Hint
	// Wrapper (C5) so the §7 hint line and the tool-call counters cover
	// them the same as every persona-contributed tool (spec §4.11 step 5).
	debugTool := registry.DebugTool(reg)
	debugTool.Handler = debugWrapper.Wrap(debugTool.Name, debugTool.Handler)
	reg.Register("core", debugTool)

	toolExec := registry.ToolExecTool(reg)
	toolExec.Handler = debugWrapper.Wrap(toolExec.Name, toolExec.Handler)
	reg.Register("core", toolExec)

	resolver := persona.NewResolver()
	personas := persona.NewLoader(reg, resolver, paths.PersonaDir, persona.DefaultProtected(), logger)
	personas.SetDebug(debugWrapper)
	coretools.RegisterAll(reg, workspaces, personas, debugWrapper)

	var bus *eventbus.Bus
	if !flags.NoBus {
		bus = eventbus.New(logger)
		healWrapper.Events = bus
	}

	host := hostproto.New(reg, workspaces, stdin, stdout, logger)
	reg.SetNotifier(host)

	// skillengine.Engine checks `e.Bus == nil` directly, so a literal
	// nil must be passed when --no-bus is set rather than a (*Bus)(nil)
	// boxed into the EventSink interface, which would compare non-nil.
	var sink skillengine.EventSink
	if bus != nil {
		sink = bus
	}
	skills := skillengine.NewEngine(reg, sink)
	skills.Heal = healWrapper

	tracer, tracerShutdown := tracing.New(tracing.Config{
		ServiceName: "forge",
		Endpoint:    tracingEndpoint(cfg.Snapshot()),
	})
	skills.Tracer = tracer

	prompts := promptbuilder.New(nil, nil)

	rt := &Runtime{
		Logger:         logger,
		Config:         cfg,
		State:          state,
		Workspaces:     workspaces,
		Registry:       reg,
		Debug:          debugWrapper,
		Heal:           healWrapper,
		Resolver:       resolver,
		Personas:       personas,
		Bus:            bus,
		HostProto:      host,
		Skills:         skills,
		Prompts:        prompts,
		Tracer:         tracer,
		tracerShutdown: tracerShutdown,
		metrics:        metricsReg,
		started:        time.Now(),
		flags:          flags,
		paths:          paths,
	}

	// Step 5: resolve the requested module set and load it.
	if err := rt.loadRequestedModules(); err != nil {
		logger.Warn("initial module load reported failures", "error", err)
	}

	rt.preflightSkills()

	return rt, ExitOK, nil
}

// preflightSkills loads every skill definition under the skills
// directory and warns about any step naming a tool that is neither live
// nor known to the registry at all, listing which personas would
// provide it (spec §4.9 "Loading"). A skill directory that doesn't
// exist yet (no skills authored) is not an error.
func (rt *Runtime) preflightSkills() {
	entries, err := filepath.Glob(filepath.Join(rt.paths.SkillDir, "*.yaml"))
	if err != nil {
		return
	}
	for _, path := range entries {
		skill, err := skillengine.Load(path)
		if err != nil {
			rt.Logger.Warn("skill failed to load", "path", path, "error", err)
			continue
		}
		for _, warning := range skillengine.PreflightCheck(skill, rt.Registry, rt.Personas) {
			rt.Logger.Warn("skill pre-flight warning", "skill", skill.Name, "detail", warning)
		}
	}
}

// loadRequestedModules acts on --persona only: it switches the default
// workspace to that persona (spec §4.11 step 5). --tools and --all are
// checked for mutual exclusivity but load no modules. With no concrete tool module
// implementations wired in (those are external collaborators per spec
// §1), an empty module list is a legitimate boot state: only the
// protected core tools are live until a persona switch loads modules a
// deployment has registered into the Resolver.
func (rt *Runtime) loadRequestedModules() error {
	if rt.flags.Persona == "" {
		return nil
	}
	ws := rt.Workspaces.GetOrCreate(workspace.DefaultWorkspaceURI)
	_, err := rt.Personas.Switch(context.Background(), rt.flags.Persona, ws)
	return err
}

// healthResponse is the /healthz body (spec SUPPLEMENTED FEATURES
// "Prometheus health/metrics surface").
type healthResponse struct {
	Status       string `json:"status"`
	UptimeS      int    `json:"uptime_s"`
	LiveTools    int    `json:"live_tools"`
	Workspaces   int    `json:"workspaces"`
	BusConnected int    `json:"bus_clients"`
}

func (rt *Runtime) handleHealthz(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if rt.Bus != nil {
		clients = rt.Bus.ClientCount()
	}
	resp := healthResponse{
		Status:       "ok",
		UptimeS:      int(time.Since(rt.started).Seconds()),
		LiveTools:    len(rt.Registry.LiveNames()),
		Workspaces:   rt.Workspaces.Len(),
		BusConnected: clients,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// startMetricsServer runs the /metrics and /healthz HTTP server on
// MetricsPort until ctx is cancelled (grounded on the teacher's
// internal/gateway/http_server.go mux wiring).
func (rt *Runtime) startMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", rt.handleHealthz)
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", MetricsPort), Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Run starts the Event Bus (unless --no-bus), the metrics/health
// server, and enters the host-protocol loop, blocking until ctx is
// cancelled or the stdio stream closes (spec §4.11 step 6-7).
func (rt *Runtime) Run(ctx context.Context) (int, error) {
	errCh := make(chan error, 3)

	if rt.Bus != nil {
		go func() {
			if err := rt.Bus.ListenAndServe(ctx, EventBusPort); err != nil {
				errCh <- fmt.Errorf("event bus: %w", err)
			}
		}()
	}

	go func() {
		if err := rt.startMetricsServer(ctx); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go func() {
		if err := rt.HostProto.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("host protocol: %w", err)
		} else {
			errCh <- nil
		}
	}()

	// A ctx cancellation and a resulting host-protocol/bus error can
	// arrive at roughly the same instant (Serve/ListenAndServe both
	// surface ctx.Err() once cancelled); only treat the error channel as
	// fatal when the runtime is still supposed to be up, not as a side
	// effect of the caller's own shutdown request.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			rt.Shutdown()
			return ExitNoHostProtocol, err
		}
	}
	rt.Shutdown()
	return ExitOK, nil
}

// Shutdown runs the shutdown sequence (spec §4.11 "Shutdown"): force
// flush the debounced state store, save the workspace registry, then
// close the bus sending server_stopping before closing sockets.
func (rt *Runtime) Shutdown() {
	if err := rt.State.Close(); err != nil {
		rt.Logger.Warn("state flush on shutdown failed", "error", err)
	}
	if err := rt.Workspaces.SaveToDisk(); err != nil {
		rt.Logger.Warn("workspace save on shutdown failed", "error", err)
	}
	if err := rt.Personas.Close(); err != nil {
		rt.Logger.Warn("persona watcher close failed", "error", err)
	}
	if rt.Bus != nil {
		rt.Bus.Shutdown()
	}
	if rt.tracerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.tracerShutdown(shutdownCtx); err != nil {
			rt.Logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}
