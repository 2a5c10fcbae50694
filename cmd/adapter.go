package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"acople/pkg/channel"
	"acople/pkg/channel/discord"
	"acople/pkg/channel/telegram"
	"acople/pkg/config"
	"acople/pkg/gateway"
	"acople/pkg/message"
	"acople/pkg/reply"
	"acople/pkg/routing"
)

const (
	platformTelegram = "telegram"
	platformDiscord  = "discord"
)

var adapterCmd = &cobra.Command{
	Use:       "adapter telegram|discord",
	Short:     "Run a built-in platform adapter",
	Long:      "Connects one chat platform to the bus. The supervisor starts this command as an adapter process.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{platformTelegram, platformDiscord},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("cmd.adapter")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runAdapter(runCtx, cfg, args[0], slog.Default()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Adapter failed", "platform", args[0], "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adapterCmd)
}

func runAdapter(ctx context.Context, cfg *config.Config, platformName string, log *slog.Logger) error {
	platform, instance, err := newPlatform(cfg, platformName, log)
	if err != nil {
		return err
	}

	backends, err := gateway.OpenBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("Failed to close backends", "component", "cmd.adapter", "error", err)
		}
	}()

	return bridgePlatform(ctx, cfg, backends, platform, message.AdapterID(platformName, instance), log)
}

func bridgePlatform(ctx context.Context, cfg *config.Config, backends *gateway.Backends, platform channel.Platform, adapterID string, log *slog.Logger) error {
	resolver, err := reply.New(backends.Store, reply.Options{
		SearchWindow: cfg.Store.SearchWindow,
		CacheSize:    cfg.Store.CacheSize,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("create reply resolver: %w", err)
	}

	bridge, err := channel.NewBridge(adapterID, channel.Deps{
		Bus:      backends.Bus,
		Store:    backends.Store,
		Engine:   routing.NewEngine(routing.ParseRules(cfg.Bridge.Rules)),
		Resolver: resolver,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("create bridge for %s: %w", adapterID, err)
	}

	return bridge.Run(ctx, platform)
}

func newPlatform(cfg *config.Config, name string, log *slog.Logger) (channel.Platform, int, error) {
	switch name {
	case platformTelegram:
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, 0, fmt.Errorf("configure %s adapter: %w", name, err)
		}
		return adapter, cfg.Channels.Telegram.Instance, nil
	case platformDiscord:
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, log)
		if err != nil {
			return nil, 0, fmt.Errorf("configure %s adapter: %w", name, err)
		}
		return adapter, cfg.Channels.Discord.Instance, nil
	default:
		return nil, 0, fmt.Errorf("unknown platform %q", name)
	}
}
