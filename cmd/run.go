package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"acople/pkg/gateway"
	"acople/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor, plugin dispatcher and status server",
	Long:  "Starts every adapter process, dispatches plugin commands from the bus and serves /healthz and /readyz.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup("cmd.run")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, slog.Default())
		if err != nil {
			log.Error("Failed to initialize bridge", "error", err)
			return err
		}

		log.Info("Bridge started", "rules", len(cfg.Bridge.Rules), "plugins_dir", cfg.Plugins.Dir, "adapters_dir", cfg.Supervisor.AdaptersDir)
		err = svc.Run(runCtx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Info("Bridge stopped")
			return nil
		case errors.Is(err, supervisor.ErrForcedShutdown):
			log.Warn("Bridge stopped with adapters still running")
			return err
		default:
			log.Error("Bridge runtime failed", "error", err)
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
