// Package signals feeds trade candidates into the lifecycle controller from
// an in-process channel, an HTTP polling endpoint or a websocket stream.
package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source produces candidates until ctx ends or Close is called. The
// returned channel is closed when the source stops.
type Source interface {
	Start(ctx context.Context) (<-chan trade.Candidate, error)
	Close() error
}

// ConnectionState is reported as a gauge per source
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectConfig bounds the backoff between connection attempts
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 retries forever
}

// Config selects and tunes a source
type Config struct {
	Kind         string          `yaml:"kind"` // chan, http or ws
	URL          string          `yaml:"url"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Timeout      time.Duration   `yaml:"timeout"`
	Buffer       int             `yaml:"buffer"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

func DefaultConfig() Config {
	return Config{
		Kind:         "chan",
		PollInterval: time.Second,
		Timeout:      10 * time.Second,
		Buffer:       256,
		Reconnect: ReconnectConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     16 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	return c
}

// New builds the configured source. A chan source is returned as *Chan so
// the caller can publish into it.
func New(cfg Config) (Source, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "chan":
		return NewChan(cfg.Buffer), nil
	case "http":
		return NewHTTPPoller(cfg)
	case "ws", "websocket":
		return NewWSFeed(cfg)
	default:
		return nil, fmt.Errorf("signals: unknown source kind %q", cfg.Kind)
	}
}

// decodeCandidates accepts one candidate object or an array of them.
// Malformed or structurally invalid entries are counted and skipped.
func decodeCandidates(source string, raw []byte) []trade.Candidate {
	var many []jsoniter.RawMessage
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &many); err != nil {
			malformed(source, err)
			return nil
		}
	} else {
		many = []jsoniter.RawMessage{raw}
	}

	out := make([]trade.Candidate, 0, len(many))
	for _, item := range many {
		var c trade.Candidate
		if err := json.Unmarshal(item, &c); err != nil {
			malformed(source, err)
			continue
		}
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		c.Side = trade.Side(strings.ToUpper(string(c.Side)))
		if err := c.Validate(); err != nil {
			malformed(source, err)
			continue
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now().UTC()
		}
		out = append(out, c)
	}
	return out
}

func malformed(source string, err error) {
	observ.IncCounter("signals_malformed_total", map[string]string{"source": source})
	observ.Warn("signal_malformed", map[string]any{"source": source, "error": err.Error()})
}

// deliver hands c to out without blocking past ctx. A full buffer drops the
// candidate: a stale signal is worse than a missing one.
func deliver(ctx context.Context, source string, out chan<- trade.Candidate, c trade.Candidate) bool {
	select {
	case out <- c:
		observ.IncCounter("signals_received_total", map[string]string{"source": source})
		return true
	case <-ctx.Done():
		return false
	default:
		observ.IncCounter("signals_dropped_total", map[string]string{"source": source})
		observ.Warn("signal_dropped", map[string]any{"source": source, "symbol": c.Symbol, "reason": "backpressure"})
		return true
	}
}

// backoff doubles from initial up to max
func backoff(cfg ReconnectConfig, attempt int) time.Duration {
	d := cfg.InitialDelay
	for i := 1; i < attempt && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
