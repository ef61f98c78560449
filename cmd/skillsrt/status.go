package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/skillsruntime/internal/config"
	"github.com/haasonsaas/skillsruntime/internal/runtimesrv"
)

func buildStatusCmd() *cobra.Command {
	var (
		workspace string
		cleanup   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workspace runtime server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workspace, config.Overrides{})
			if err != nil {
				return err
			}

			info, err := runtimesrv.ReadServerInfo(cfg.ServerDir())
			if err != nil || !info.Alive() {
				fmt.Println("runtime server: not running")
				return nil
			}

			client := runtimesrv.NewClient(cfg.ServerDir(), false, nil)
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "runtime server: unreachable (%v)\n", err)
				return nil
			}
			fmt.Printf("runtime server: pid %d\n", info.PID)
			fmt.Printf("  exec sessions: %d\n", status.ExecActive)
			fmt.Printf("  child agents:  %d\n", status.ChildActive)
			for _, entry := range status.Registry {
				fmt.Printf("  registered pid %d (session %s)\n", entry.PID, entry.SessionID)
			}

			if cleanup {
				result, err := client.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("cleanup: closed %d sessions, cancelled %d children\n",
					result.Closed, result.Cancelled)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root directory")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Close all sessions and children")
	return cmd
}
