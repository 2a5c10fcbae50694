package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"acople/pkg/message"
	"acople/pkg/routing"
)

var checkRoute bool

var rulesCmd = &cobra.Command{
	Use:   "rules [--check SRC DST]",
	Short: "Show the routing rules, or check whether SRC reaches DST",
	Long:  "Endpoints are written adapterId:chatId[/threadId], for example telegram-1:-100200 or discord-1:100/7.",
	Args: func(_ *cobra.Command, args []string) error {
		if checkRoute && len(args) != 2 {
			return errors.New("--check needs SRC and DST endpoints")
		}
		if !checkRoute && len(args) != 0 {
			return errors.New("endpoints are only accepted with --check")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup("cmd.rules")
		if err != nil {
			return err
		}

		engine := routing.NewEngine(routing.ParseRules(cfg.Bridge.Rules))
		if checkRoute {
			return checkRules(cmd.OutOrStdout(), engine, args[0], args[1])
		}
		return printRules(cmd.OutOrStdout(), engine)
	},
}

func init() {
	rulesCmd.Flags().BoolVar(&checkRoute, "check", false, "report whether a message from SRC is delivered to DST")
	rootCmd.AddCommand(rulesCmd)
}

func printRules(w io.Writer, engine *routing.Engine) error {
	rules := engine.Rules()
	if len(rules) == 0 {
		_, err := fmt.Fprintln(w, "No routing rules configured")
		return err
	}

	rows := make([][]string, 0)
	for _, rule := range rules {
		scope := "rule"
		if rule.IsAll {
			scope = "all"
		}
		for _, target := range rule.Targets {
			rows = append(rows, []string{rule.ID, scope, target.Endpoint.Key(), string(target.Direction)})
		}
	}

	_, err := fmt.Fprintln(w, renderTable([]string{"RULE", "SCOPE", "ENDPOINT", "DIRECTION"}, rows))
	return err
}

// checkRules evaluates a chat message from src as the bridge would.
func checkRules(w io.Writer, engine *routing.Engine, src, dst string) error {
	source, err := message.ParseEndpoint(src)
	if err != nil {
		return err
	}
	target, err := message.ParseEndpoint(dst)
	if err != nil {
		return err
	}

	platform, _, err := message.ParseAdapterID(source.AdapterID)
	if err != nil {
		return err
	}

	probe := message.New(platform, source.AdapterID, message.EventMessage)
	probe.Conversation.ID = source.ChatID
	if source.ThreadID != "" {
		probe.Thread = &message.Thread{ID: source.ThreadID}
	}

	verdict := "blocked"
	if engine.ShouldDeliver(probe, target) {
		verdict = "delivered"
	}

	sourceRule, ok := engine.RuleFor(source.AdapterID, source.ChatID)
	if !ok {
		sourceRule = "-"
	}
	targetRule, ok := engine.RuleFor(target.AdapterID, target.ChatID)
	if !ok {
		targetRule = "-"
	}

	_, err = fmt.Fprintf(w, "%s -> %s: %s (source rule %s, target rule %s)\n", source.Key(), target.Key(), verdict, sourceRule, targetRule)
	return err
}
