package main

import (
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/trading-core/internal/gates"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
)

func newRulesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect the trading rule set"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Build the rule set, run its self-test and print the effective rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			rs, err := rules.New(cfg.Rules)
			if err != nil {
				return err
			}
			// the pipeline and sizer validate their own sections against the rules
			if _, err := gates.NewStandardPipeline(rs, cfg.Gates); err != nil {
				return err
			}
			if _, err := sizing.New(rs, cfg.Sizing); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"status": "ok", "rules": rs.Summary()})
		},
	})
	return cmd
}
