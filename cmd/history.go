package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"acople/pkg/gateway"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the shared message history",
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the message history and every reply index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup("cmd.history")
		if err != nil {
			return err
		}

		backends, err := gateway.OpenBackends(cmd.Context(), cfg, slog.Default())
		if err != nil {
			return err
		}
		defer backends.Close()

		if err := backends.Store.Purge(cmd.Context()); err != nil {
			return fmt.Errorf("purge history: %w", err)
		}

		log.Info("History purged", "backend", cfg.Store.Backend)
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "History purged")
		return err
	},
}

func init() {
	historyCmd.AddCommand(historyPurgeCmd)
	rootCmd.AddCommand(historyCmd)
}
