package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/skillsruntime/internal/agent"
	"github.com/haasonsaas/skillsruntime/internal/config"
)

func buildForkCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "fork <src-run-id> <fork-point> <new-run-id>",
		Short: "Fork a run's event log at a line index",
		Long: `Copy the prefix of a run's event log, up to and including the given
0-based line index, into a fresh run id. The source log is not modified.
The forked run can then be continued with "run --resume".`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			forkPoint, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("fork point must be a line index: %w", err)
			}
			cfg, err := config.Load(workspace, config.Overrides{})
			if err != nil {
				return err
			}
			locator, err := agent.Fork(cfg.RuntimeDir(), args[0], forkPoint, args[2])
			if err != nil {
				return err
			}
			fmt.Printf("forked %s@%d -> %s (%s)\n", args[0], forkPoint, args[2], locator)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root directory")
	return cmd
}
