package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/skillsruntime/internal/runtimesrv"
)

func buildRuntimeServerCmd() *cobra.Command {
	var (
		workspace string
		dir       string
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "runtime-server",
		Short: "Host the workspace runtime server",
		Long: `Host the per-workspace runtime server that owns interactive exec
sessions and child agents. Normally spawned on demand by the run
command; run it directly for debugging or supervised deployments.

The server exits on SIGINT/SIGTERM or after its idle timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(workspace, debug)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = env.cfg.ServerDir()
			}

			idle := time.Duration(env.cfg.Runtime.IdleTimeoutSec) * time.Second
			server := runtimesrv.NewServer(runtimesrv.Options{
				Dir:         dir,
				Marker:      env.cfg.Workspace,
				IdleTimeout: idle,
				Runner:      env.childRunner(),
				Logger:      env.logger,
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("start runtime server: %w", err)
			}
			env.logger.Info("runtime server started",
				"dir", dir, "idle_timeout", idle)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				server.Wait()
				close(done)
			}()
			select {
			case <-stop:
				env.logger.Info("runtime server stopping on signal")
				server.Close()
			case <-done:
				env.logger.Info("runtime server stopped")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root directory")
	cmd.Flags().StringVar(&dir, "dir", "", "Server state directory (defaults to the workspace runtime dir)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
