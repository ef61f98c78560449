package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/skillsruntime/internal/agent"
	"github.com/haasonsaas/skillsruntime/internal/safety"
	"github.com/haasonsaas/skillsruntime/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var (
		workspace  string
		runID      string
		resume     string
		model      string
		jsonEvents bool
		autoYes    bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Execute an agent run against the workspace",
		Long: `Execute one agent run. The task is the user message; with --resume the
task may be empty and the run continues from its existing event log.

Tool calls that need approval are prompted on the terminal unless --yes
grants session-wide approval up front.`,
		Example: `  # Plain run
  skillsrt run "summarize TODO.md"

  # Replay-resume a forked run
  skillsrt run --run-id r2 --resume replay ""

  # Stream raw events
  skillsrt run --json "run the test suite"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := args[0]
			if task == "" && resume == "" {
				return fmt.Errorf("an empty task requires --resume")
			}
			env, err := buildEnv(workspace, debug)
			if err != nil {
				return err
			}
			defer env.runtime.Close()

			var provider safety.Provider = newConsoleApprovals(os.Stdin, os.Stderr)
			if autoYes {
				provider = safety.NewRuleProvider(safety.DecisionApprovedForSession)
			}
			runner, err := env.newRunner(runnerParams{
				runID:    runID,
				resume:   resume,
				model:    model,
				provider: provider,
				human:    newConsoleHuman(os.Stdin, os.Stderr),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return executeRun(ctx, runner, task, jsonEvents)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root directory")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (generated when empty)")
	cmd.Flags().StringVar(&resume, "resume", "", `Resume strategy: "summary" or "replay"`)
	cmd.Flags().StringVar(&model, "model", "", "Model override for this run")
	cmd.Flags().BoolVar(&jsonEvents, "json", false, "Stream raw events as JSON lines")
	cmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "Approve all tool calls for the session")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// executeRun drives the stream to completion, rendering events as they
// arrive.
func executeRun(ctx context.Context, runner *agent.Runner, task string, jsonEvents bool) error {
	stream, err := runner.RunStream(ctx, task)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	for event := range stream.Events() {
		if jsonEvents {
			if err := encoder.Encode(event); err != nil {
				return err
			}
			continue
		}
		renderEvent(event)
	}

	result := stream.Wait()
	if jsonEvents {
		return resultError(result)
	}

	switch result.Status {
	case agent.StatusCompleted:
		fmt.Println()
		fmt.Println(result.FinalOutput)
	case agent.StatusCancelled:
		fmt.Fprintln(os.Stderr, "run cancelled")
	}
	for _, notice := range result.Notices {
		fmt.Fprintf(os.Stderr, "notice: %s: %s\n", notice.Kind, notice.Message)
	}
	fmt.Fprintf(os.Stderr, "run %s, events at %s\n", runner.RunID(), result.WALLocator)
	return resultError(result)
}

func renderEvent(event models.Event) {
	switch event.Type {
	case models.EventLLMResponseDelta:
		if text, ok := event.Payload["text"].(string); ok {
			fmt.Print(text)
		}
	case models.EventToolCallStarted:
		fmt.Fprintf(os.Stderr, "\n[tool] %v\n", event.Payload["tool_name"])
	case models.EventToolCallFinished:
		if kind, ok := event.Payload["error_kind"]; ok {
			fmt.Fprintf(os.Stderr, "[tool] %v failed: %v (%v)\n",
				event.Payload["tool_name"], event.Payload["error"], kind)
		}
	case models.EventSkillInjected:
		fmt.Fprintf(os.Stderr, "[skill] injected %v (%v bytes)\n",
			event.Payload["mention"], event.Payload["bytes"])
	}
}

func resultError(result *agent.Result) error {
	if result.Status == agent.StatusFailed && result.Err != nil {
		return result.Err
	}
	return nil
}
