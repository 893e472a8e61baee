package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/heike/internal/config"
	"github.com/harunnryd/heike/internal/daemon"
	"github.com/harunnryd/heike/internal/daemon/components"

	"github.com/spf13/cobra"
)

// resolveWorkspaceID reads the --workspace flag, falling back to the
// configured default workspace when it isn't set.
func resolveWorkspaceID(cmd *cobra.Command) string {
	if cmd != nil {
		if workspaceID, err := cmd.Flags().GetString("workspace"); err == nil && workspaceID != "" {
			return workspaceID
		}
	}
	return config.DefaultWorkspaceID
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the cognitive orchestration core in background daemon mode",
	Long:  `Starts the cognitive orchestration core as a long-running service using component lifecycle orchestration. It exposes a health endpoint and runs the core's scheduled consolidation and backup loops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := resolveWorkspaceID(cmd)
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		cognitiveCoreComp := components.NewCognitiveCoreComponent(workspaceID, cfg.Daemon.WorkspacePath, cfg)
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server)

		daemonMgr.AddComponent(cognitiveCoreComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Cognitive orchestration core daemon starting up...", "port", cfg.Server.Port, "workspace", workspaceID)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Cognitive orchestration core daemon stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Cognitive orchestration core daemon stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
