package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/gates"
	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/lifecycle"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/server"
	"github.com/Rajchodisetti/trading-core/internal/signals"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
)

type Broker struct {
	Kind     string                `yaml:"kind"` // paper
	Paper    broker.PaperConfig    `yaml:"paper"`
	Retrying broker.RetryingConfig `yaml:"retrying"`
}

type Narration struct {
	QueueSize   int                   `yaml:"queue_size"`
	MemoryLimit int                   `yaml:"memory_limit"`
	Slack       narration.SlackConfig `yaml:"slack"`
}

type Root struct {
	TradingMode string           `yaml:"trading_mode"` // paper
	Rules       rules.Config     `yaml:"rules"`
	Gates       gates.Config     `yaml:"gates"`
	Sizing      sizing.Config    `yaml:"sizing"`
	Breaker     breaker.Config   `yaml:"breaker"`
	Lifecycle   lifecycle.Config `yaml:"lifecycle"`
	Broker      Broker           `yaml:"broker"`
	Signals     signals.Config   `yaml:"signals"`
	Narration   Narration        `yaml:"narration"`
	Journal     journal.Config   `yaml:"journal"`
	Server      server.Config    `yaml:"server"`
	Log         observ.LogConfig `yaml:"log"`
}

// Default is the configuration used when no file is given
func Default() Root {
	return Root{
		TradingMode: "paper",
		Rules:       rules.DefaultConfig(),
		Gates:       gates.DefaultConfig(),
		Sizing:      sizing.DefaultConfig(),
		Breaker:     breaker.DefaultConfig(),
		Lifecycle:   lifecycle.DefaultConfig(),
		Broker: Broker{
			Kind:     "paper",
			Paper:    broker.DefaultPaperConfig(),
			Retrying: broker.DefaultRetryingConfig(),
		},
		Signals: signals.DefaultConfig(),
		Narration: Narration{
			QueueSize:   1024,
			MemoryLimit: 500,
			Slack:       narration.DefaultSlackConfig(),
		},
		Journal: journal.Config{Driver: "sqlite", DSN: "data/journal.db"},
		Server:  server.DefaultConfig(),
		Log:     observ.LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies TRADECORE_* environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (Root, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.fillZero()
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	switch c.TradingMode {
	case "paper":
	default:
		return c, fmt.Errorf("unknown trading_mode %q", c.TradingMode)
	}
	if c.Broker.Kind != "paper" {
		return c, fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	return c, nil
}

// fillZero restores defaults for values a file set to zero explicitly
func (c *Root) fillZero() {
	d := Default()
	if c.TradingMode == "" {
		c.TradingMode = d.TradingMode
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = d.Broker.Kind
	}
	if c.Narration.QueueSize <= 0 {
		c.Narration.QueueSize = d.Narration.QueueSize
	}
	if c.Narration.MemoryLimit <= 0 {
		c.Narration.MemoryLimit = d.Narration.MemoryLimit
	}
	if c.Lifecycle.Capital <= 0 {
		c.Lifecycle.Capital = d.Lifecycle.Capital
	}
	// the breaker measures P&L against the capital the controller trades
	c.Breaker.StartingCapital = c.Lifecycle.Capital
	// and trips at the rule set's daily loss limit
	c.Breaker.ThresholdPct = c.Rules.DailyLossBreakerPct
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func (c *Root) applyEnv() error {
	if v := os.Getenv("TRADECORE_SLACK_WEBHOOK_URL"); v != "" {
		c.Narration.Slack.WebhookURL = v
		c.Narration.Slack.Enabled = true
	}
	if v := os.Getenv("TRADECORE_SLACK_SIGNING_SECRET"); v != "" {
		c.Server.Slack.SigningSecret = v
	}
	if v := os.Getenv("TRADECORE_JOURNAL_DRIVER"); v != "" {
		c.Journal.Driver = v
	}
	if v := os.Getenv("TRADECORE_JOURNAL_DSN"); v != "" {
		c.Journal.DSN = v
	}
	if v := os.Getenv("TRADECORE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TRADECORE_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("TRADECORE_SIGNALS_URL"); v != "" {
		c.Signals.URL = v
	}
	if v := os.Getenv("TRADECORE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TRADECORE_CAPITAL"); v != "" {
		capital, err := strconv.ParseFloat(v, 64)
		if err != nil || capital <= 0 {
			return fmt.Errorf("TRADECORE_CAPITAL: invalid value %q", v)
		}
		c.Lifecycle.Capital = capital
		c.Breaker.StartingCapital = capital
	}
	return nil
}
