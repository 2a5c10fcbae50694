// Package cmd holds the acople cobra commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"acople/pkg/config"
	"acople/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "acople",
	Short:         "Chat bridge between Telegram, Discord and command plugins",
	Long:          "Acople relays messages between chat platforms according to routing rules and dispatches prefixed commands to plugin processes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Errors are printed once here.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "acople:", err)
		return err
	}
	return nil
}

// setup loads the configuration and installs the process logger.
func setup(component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, appLogger.With("component", component), nil
}
