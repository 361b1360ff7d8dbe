// Package main provides the CLI entry point for the forge agent-tooling
// runtime.
//
// forge hosts a persona-switchable tool registry, a YAML skill
// execution engine, and an auto-heal wrapper behind a host-protocol
// loop, so an LLM-driven agent can load exactly the tool surface a task
// needs and recover from transient auth/network failures without
// operator intervention.
//
// # Basic Usage
//
// Start the runtime with a named persona loaded:
//
//	forge run --persona devops --name my-project
//
// Start with every available module loaded:
//
//	forge run --all
//
// # Environment Variables
//
//   - FORGE_PROJECT_DIR: project directory holding personas/skills/config (default: .)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgerun/forge/internal/orchestrator"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor recovers an orchestrator exit code carried on a *cliError,
// falling back to 1 for any other failure.
func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "forge",
		Short:   "forge - persona-switchable agent tooling runtime",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd())
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var (
		projectDir string
		personaArg string
		toolsArg   []string
		allArg     bool
		nameArg    string
		noBusArg   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the runtime and enter the host-protocol loop",
		Long: `Boot the runtime: load config and workspace state, create the tool
registry, optionally load a persona or explicit tool list, start the
event bus, and enter the host-protocol loop until signalled to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := orchestrator.Flags{
				Persona: personaArg,
				Tools:   toolsArg,
				All:     allArg,
				Name:    nameArg,
				NoBus:   noBusArg,
			}
			return runForge(cmd.Context(), flags, projectDir)
		},
	}

	cmd.Flags().StringVar(&projectDir, "project-dir", ".", "Project directory holding personas/skills/config")
	cmd.Flags().StringVar(&personaArg, "persona", "", "Persona to load at boot (mutually exclusive with --tools/--all)")
	cmd.Flags().StringSliceVar(&toolsArg, "tools", nil, "Explicit tool module list; checked for exclusivity only, loads no modules (mutually exclusive with --persona/--all)")
	cmd.Flags().BoolVar(&allArg, "all", false, "Request every tool module; checked for exclusivity only, loads no modules (mutually exclusive with --persona/--tools)")
	cmd.Flags().StringVar(&nameArg, "name", "", "Process display name, surfaced in logs and the event bus hello payload")
	cmd.Flags().BoolVar(&noBusArg, "no-bus", false, "Disable the event bus websocket listener")

	return cmd
}

// runForge wires the orchestrator's boot sequence to this process's
// stdio and signal handling.
func runForge(ctx context.Context, flags orchestrator.Flags, projectDir string) error {
	paths := orchestrator.DefaultPaths(projectDir)

	rt, code, err := orchestrator.Boot(flags, paths, os.Stdin, os.Stdout)
	if err != nil {
		return &cliError{code: code, err: fmt.Errorf("boot: %w", err)}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode, err := rt.Run(runCtx)
	if err != nil {
		return &cliError{code: exitCode, err: fmt.Errorf("run: %w", err)}
	}
	if exitCode != orchestrator.ExitOK {
		return &cliError{code: exitCode, err: fmt.Errorf("runtime exited with code %d", exitCode)}
	}
	return nil
}
