package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/trading-core/internal/config"
	"github.com/Rajchodisetti/trading-core/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tradecore",
		Short:         "Risk-gated trading core: rules, gates, sizing, session breaker and position lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config/tradecore.yaml", "config file (empty for defaults)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(newRunCmd(g), newBreakerCmd(g), newRulesCmd(g))
	return root
}

// load reads the dotenv file (if present), the config, and installs the logger
func (g *globalFlags) load() (config.Root, error) {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !os.IsNotExist(err) {
			return config.Root{}, fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}
	path := g.configPath
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	logger, err := observ.NewLogger(cfg.Log)
	if err != nil {
		return cfg, fmt.Errorf("logger: %w", err)
	}
	observ.SetLogger(logger)
	observ.SetVersion(version)
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
