// Package main provides the skillsrt CLI: run an agent task against a
// workspace, fork a run's event log, inspect the runtime server, or host
// the runtime server itself.
//
// # Basic Usage
//
// Run a task:
//
//	skillsrt run "add a license header to every source file"
//
// Fork a run at a WAL line and replay it:
//
//	skillsrt fork <src-run-id> <line> <new-run-id>
//	skillsrt run --run-id <new-run-id> --resume replay ""
//
// Check the workspace runtime server:
//
//	skillsrt status
//
// # Environment Variables
//
//   - SKILLSRT_CONFIG: extra YAML overlay paths (path-list separated)
//   - SKILLSRT_PLANNER_MODEL / SKILLSRT_EXECUTOR_MODEL: model overrides
//   - OPENAI_API_KEY (or the configured llm.api_key_env): API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skillsrt",
		Short: "Skills runtime - workspace agent runs with a safety gate",
		Long: `skillsrt executes LLM agent runs inside a workspace. Every run keeps an
append-only event log, routes tool calls through a policy and approvals
gate, and can persist interactive exec sessions in a per-workspace
runtime server.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildForkCmd(),
		buildStatusCmd(),
		buildRuntimeServerCmd(),
	)
	return rootCmd
}
