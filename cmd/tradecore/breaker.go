package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/rules"
)

// The breaker commands act on the durable marker and audit log, so they work
// while the engine is stopped. A running engine picks a manual stop up from
// the marker only on restart; use the admin API to act on a live process.
func newBreakerCmd(g *globalFlags) *cobra.Command {
	var operator, reason string
	var limit int

	open := func() (*breaker.Breaker, error) {
		cfg, err := g.load()
		if err != nil {
			return nil, err
		}
		rs, err := rules.New(cfg.Rules)
		if err != nil {
			return nil, err
		}
		return breaker.New(cfg.Breaker, breaker.WithRules(rs))
	}

	cmd := &cobra.Command{Use: "breaker", Short: "Inspect or operate the session breaker"}
	cmd.PersistentFlags().StringVar(&operator, "user", defaultOperator(), "operator recorded on the audit event")
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "reason recorded on the audit event")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print breaker state and recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open()
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"status": b.Status(), "history": b.History(limit)})
		},
	}
	status.Flags().IntVar(&limit, "limit", 10, "number of audit events to show")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear a tripped breaker and start a fresh session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open()
			if err != nil {
				return err
			}
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			return printJSON(cmd, b.Reset(operator, reason))
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Trip the breaker manually",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open()
			if err != nil {
				return err
			}
			if reason == "" {
				reason = "manual stop"
			}
			return printJSON(cmd, b.ManualStop(operator, reason))
		},
	}

	cmd.AddCommand(status, reset, stop)
	return cmd
}

func defaultOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return strings.TrimSpace(v)
	}
	return "cli"
}
