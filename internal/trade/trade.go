// Package trade holds the value types shared by the gating, sizing, breaker
// and lifecycle packages.
package trade

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the direction of a position
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Valid reports whether s is BUY or SELL
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Regime is the coarse market-state tag supplied by the signal source
type Regime string

const (
	RegimeBullish  Regime = "BULLISH"
	RegimeBearish  Regime = "BEARISH"
	RegimeSideways Regime = "SIDEWAYS"
	RegimeCrisis   Regime = "CRISIS"
	RegimeUnknown  Regime = ""
)

// AssetClass selects per-class rules and gates
type AssetClass string

const (
	FX     AssetClass = "FX"
	Crypto AssetClass = "CRYPTO"
	Equity AssetClass = "EQUITY"
)

var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "XRP": true, "ADA": true,
	"DOGE": true, "LTC": true, "BNB": true, "AVAX": true, "DOT": true,
}

var fiat = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SEK": true, "NOK": true,
}

// Currencies splits "EUR_USD", "EUR/USD", "BTC-USD" or "EURUSD" into base and quote.
// ok is false when the symbol does not look like a pair.
func Currencies(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"_", "/", "-"} {
		if i := strings.Index(s, sep); i > 0 && i < len(s)-1 {
			return s[:i], s[i+1:], true
		}
	}
	if len(s) == 6 && fiat[s[3:]] {
		return s[:3], s[3:], true
	}
	return "", "", false
}

// ClassOf derives the asset class from a symbol
func ClassOf(symbol string) AssetClass {
	base, quote, ok := Currencies(symbol)
	if !ok {
		return Equity
	}
	if cryptoBases[base] || cryptoBases[quote] {
		return Crypto
	}
	if fiat[base] && fiat[quote] {
		return FX
	}
	return Equity
}

// Candidate is one trade proposal from the signal source. It is consumed once
// by the lifecycle controller.
type Candidate struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Entry      float64    `json:"entry"`
	Stop       float64    `json:"stop"`
	Target     float64    `json:"target"`
	Notional   float64    `json:"notional"` // hint in USD
	Leverage   float64    `json:"leverage"`
	Confidence float64    `json:"confidence"` // 0..1
	Regime     Regime     `json:"regime"`
	AssetClass AssetClass `json:"asset_class,omitempty"`
	Timeframe  string     `json:"timeframe,omitempty"`
	Consensus  float64    `json:"consensus,omitempty"` // cross-source agreement 0..1
	Timestamp  time.Time  `json:"timestamp"`
}

// Class returns the declared asset class, or the one derived from the symbol
func (c Candidate) Class() AssetClass {
	if c.AssetClass != "" {
		return c.AssetClass
	}
	return ClassOf(c.Symbol)
}

// RiskReward is |target-entry| / |entry-stop|. Zero when the stop distance is zero.
func (c Candidate) RiskReward() float64 {
	risk := math.Abs(c.Entry - c.Stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(c.Target-c.Entry) / risk
}

// EffectiveLeverage treats an unset leverage as 1
func (c Candidate) EffectiveLeverage() float64 {
	if c.Leverage <= 0 {
		return 1
	}
	return c.Leverage
}

var ErrInvalidCandidate = errors.New("invalid candidate")

// Validate checks the structural contract of a candidate
func (c Candidate) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidCandidate)
	case !c.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidCandidate, c.Side)
	case c.Entry <= 0 || c.Stop <= 0 || c.Target <= 0:
		return fmt.Errorf("%w: prices must be positive", ErrInvalidCandidate)
	case c.Confidence < 0 || c.Confidence > 1:
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidCandidate, c.Confidence)
	case c.Notional < 0:
		return fmt.Errorf("%w: negative notional", ErrInvalidCandidate)
	}
	if c.Side == Buy && !(c.Stop < c.Entry && c.Target > c.Entry) {
		return fmt.Errorf("%w: BUY needs stop < entry < target", ErrInvalidCandidate)
	}
	if c.Side == Sell && !(c.Stop > c.Entry && c.Target < c.Entry) {
		return fmt.Errorf("%w: SELL needs target < entry < stop", ErrInvalidCandidate)
	}
	return nil
}

// Outcome is a closed trade as seen by the sizer and the breaker
type Outcome struct {
	Symbol   string    `json:"symbol"`
	PnL      float64   `json:"pnl"`
	PnLPct   float64   `json:"pnl_pct"` // percent of notional, e.g. 2.0 for +2%
	Win      bool      `json:"win"`
	ClosedAt time.Time `json:"closed_at"`
}
