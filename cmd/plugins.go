package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"acople/pkg/config"
	"acople/pkg/pathguard"
	"acople/pkg/plugin"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the plugins discovered in the plugins directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := setup("cmd.plugins")
		if err != nil {
			return err
		}
		return listPlugins(cmd.OutOrStdout(), cfg, slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func listPlugins(w io.Writer, cfg *config.Config, log *slog.Logger) error {
	guard, err := pathguard.New(cfg.Plugins.Dir, pathguard.Options{Restrict: cfg.Plugins.RestrictExec})
	if err != nil {
		return fmt.Errorf("open plugins directory: %w", err)
	}

	descriptors, err := plugin.Loader{Prefix: cfg.Bridge.Prefix, Guard: guard}.Discover(guard.Root(), log)
	if err != nil {
		return err
	}
	if len(descriptors) == 0 {
		_, err := fmt.Fprintf(w, "No plugins in %s\n", guard.Root())
		return err
	}

	rows := make([][]string, 0, len(descriptors))
	for _, d := range descriptors {
		rows = append(rows, []string{d.Name, d.RawPattern, strconv.FormatBool(d.Sudo), d.Type, d.ExecPath})
	}

	_, err = fmt.Fprintln(w, renderTable([]string{"NAME", "PATTERN", "SUDO", "TYPE", "EXEC"}, rows))
	return err
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}
