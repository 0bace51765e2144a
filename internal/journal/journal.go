// Package journal persists closed trades and breaker events, and feeds
// recent outcomes back to the sizer at startup.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// TradeRecord is one closed position
type TradeRecord struct {
	TradeID     string
	CandidateID string
	Symbol      string
	Side        trade.Side
	Units       float64
	Notional    float64
	Leverage    float64
	EntryPrice  float64
	ExitPrice   float64
	OpenTime    time.Time
	CloseTime   time.Time
	RealizedPnL float64
	PnLPct      float64
	Reason      string
}

// Outcome converts the record into what the sizer and breaker consume
func (r TradeRecord) Outcome() trade.Outcome {
	return trade.Outcome{
		Symbol:   r.Symbol,
		PnL:      r.RealizedPnL,
		PnLPct:   r.PnLPct,
		Win:      r.RealizedPnL > 0,
		ClosedAt: r.CloseTime,
	}
}

// Journal is the durable trade log
type Journal interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	RecordBreakerEvent(ctx context.Context, ev breaker.Event) error
	// RecentOutcomes returns up to n outcomes, oldest first. An empty
	// symbol means every symbol.
	RecentOutcomes(ctx context.Context, symbol string, n int) ([]trade.Outcome, error)
	Close() error
}

// Config selects a backend
type Config struct {
	Driver string `yaml:"driver"` // "", "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite
}

// Open returns the configured journal, or Nop when no driver is set
func Open(cfg Config) (Journal, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", cfg.Driver)
	}
}

// Nop records nothing
type Nop struct{}

func (Nop) RecordTrade(context.Context, TradeRecord) error          { return nil }
func (Nop) RecordBreakerEvent(context.Context, breaker.Event) error { return nil }
func (Nop) RecentOutcomes(context.Context, string, int) ([]trade.Outcome, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }
