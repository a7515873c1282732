package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/reveille/internal/daemon"
	"github.com/harunnryd/reveille/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wake scheduler and device gateway",
	Long:  `Starts Reveille as a long-running service: the record store, the periodic wake scan and the device websocket gateway with a health endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewRecordStoreComponent(cfg.Store)
		wakeComp := components.NewWakeComponent(cfg, storeComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, cfg, storeComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(wakeComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Reveille daemon starting up...", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Reveille daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Reveille daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("server.port", 0, "server port (default from config)")
	serveCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
