package gates

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Result is the verdict of one gate for one candidate
type Result struct {
	Gate    string         `json:"gate"`
	Passed  bool           `json:"passed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Exposure is an open (or reserved) position as seen by the gates
type Exposure struct {
	Symbol   string     `json:"symbol"`
	Side     trade.Side `json:"side"`
	Notional float64    `json:"notional"`
}

// Snapshot is the account and position state a decision is made against
type Snapshot struct {
	NAV         float64    `json:"nav"`
	MarginUsed  float64    `json:"margin_used"`
	Positions   []Exposure `json:"positions"`
	OpenCount   int        `json:"open_count"` // open plus reserved slots
	DailyTrades int        `json:"daily_trades"`
	Now         time.Time  `json:"now"`
}

// Gate is an independent pre-trade validator. Implementations must not keep
// mutable state between calls.
type Gate interface {
	Name() string
	Evaluate(c trade.Candidate, s Snapshot) (Result, error)
	Priority() int // Lower number = evaluated first
}

func pass(name string, details map[string]any) Result {
	return Result{Gate: name, Passed: true, Details: details}
}

func fail(name, reason string, details map[string]any) Result {
	return Result{Gate: name, Passed: false, Reason: reason, Details: details}
}

// SizeAware gates read c.Notional, so their verdict can change once the
// sizer has fixed the order size
type SizeAware interface {
	Gate
	SizeAware()
}

// MarginGate blocks when margin utilisation, current or projected with the
// candidate, exceeds MaxRatio of NAV
type MarginGate struct {
	MaxRatio float64
}

func (g *MarginGate) Name() string  { return "margin" }
func (g *MarginGate) Priority() int { return 10 }
func (g *MarginGate) SizeAware()    {}

func (g *MarginGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	if s.NAV <= 0 || math.IsNaN(s.NAV) || math.IsInf(s.NAV, 0) {
		return fail(g.Name(), fmt.Sprintf("nav unknown or non-positive (%v)", s.NAV), nil), nil
	}
	current := s.MarginUsed / s.NAV
	projected := (s.MarginUsed + c.Notional/c.EffectiveLeverage()) / s.NAV
	details := map[string]any{
		"current_ratio":   current,
		"projected_ratio": projected,
		"max_ratio":       g.MaxRatio,
	}
	if current > g.MaxRatio {
		return fail(g.Name(), fmt.Sprintf("margin_cap_exceeded: %.1f%% used (cap %.0f%%)",
			current*100, g.MaxRatio*100), details), nil
	}
	if projected > g.MaxRatio {
		return fail(g.Name(), fmt.Sprintf("margin_cap_would_exceed: %.1f%% after order (cap %.0f%%)",
			projected*100, g.MaxRatio*100), details), nil
	}
	return pass(g.Name(), details), nil
}

// ConcurrencyGate blocks when the open-position count is at the cap. The
// lifecycle controller repeats this check atomically when it reserves a slot.
type ConcurrencyGate struct {
	Rules *rules.RuleSet
}

func (g *ConcurrencyGate) Name() string  { return "concurrency" }
func (g *ConcurrencyGate) Priority() int { return 20 }

func (g *ConcurrencyGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	if g.Rules == nil {
		return Result{}, fmt.Errorf("no ruleset")
	}
	limit := g.Rules.MaxConcurrentPositions()
	details := map[string]any{"open": s.OpenCount, "max": limit}
	if s.OpenCount >= limit {
		return fail(g.Name(), fmt.Sprintf("max_concurrent_positions reached (%d/%d)", s.OpenCount, limit), details), nil
	}
	return pass(g.Name(), details), nil
}

// CorrelationGate blocks a candidate that grows same-direction exposure in a
// currency bucket that already carries exposure. Symbols that are not pairs
// are bucketed by symbol.
type CorrelationGate struct{}

func (g *CorrelationGate) Name() string  { return "correlation" }
func (g *CorrelationGate) Priority() int { return 30 }

func (g *CorrelationGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	before := map[string]float64{}
	for _, p := range s.Positions {
		addExposure(before, p.Symbol, p.Side, p.Notional)
	}
	after := make(map[string]float64, len(before)+2)
	for k, v := range before {
		after[k] = v
	}
	// a zero hint still needs a direction, so any positive size will do
	size := c.Notional
	if size <= 0 {
		size = 1
	}
	addExposure(after, c.Symbol, c.Side, size)

	buckets := make([]string, 0, len(after))
	for k := range after {
		buckets = append(buckets, k)
	}
	sort.Strings(buckets)

	for _, ccy := range buckets {
		b, a := before[ccy], after[ccy]
		if b != 0 && b*a >= 0 && math.Abs(a) > math.Abs(b) {
			return fail(g.Name(), fmt.Sprintf("correlation_gate:%s_bucket (was %+.0f, now %+.0f)", ccy, b, a),
				map[string]any{"bucket": ccy, "before": b, "after": a}), nil
		}
	}
	return pass(g.Name(), nil), nil
}

func addExposure(m map[string]float64, symbol string, side trade.Side, notional float64) {
	base, quote, ok := trade.Currencies(symbol)
	if !ok {
		m[symbol] += side.Sign() * notional
		return
	}
	m[base] += side.Sign() * notional
	m[quote] -= side.Sign() * notional
}

// ConsensusGate requires cross-source signal agreement of at least Min
type ConsensusGate struct {
	Min float64
}

func (g *ConsensusGate) Name() string  { return "consensus" }
func (g *ConsensusGate) Priority() int { return 40 }

func (g *ConsensusGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	details := map[string]any{"consensus": c.Consensus, "min": g.Min}
	if c.Consensus < g.Min {
		return fail(g.Name(), fmt.Sprintf("consensus %.2f below %.2f", c.Consensus, g.Min), details), nil
	}
	return pass(g.Name(), details), nil
}

// TradingHoursGate permits entries only inside [StartHour, EndHour) local time
type TradingHoursGate struct {
	Location     *time.Location
	StartHour    int
	EndHour      int
	WeekdaysOnly bool
}

func (g *TradingHoursGate) Name() string  { return "trading_hours" }
func (g *TradingHoursGate) Priority() int { return 50 }

func (g *TradingHoursGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	if s.Now.IsZero() {
		return Result{}, fmt.Errorf("snapshot has no clock")
	}
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	now := s.Now.In(loc)
	details := map[string]any{"local_time": now.Format("Mon 15:04 MST")}
	if g.WeekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return fail(g.Name(), "outside trading window: weekend", details), nil
	}
	if now.Hour() < g.StartHour || now.Hour() >= g.EndHour {
		return fail(g.Name(), fmt.Sprintf("outside trading window %02d:00-%02d:00 %s",
			g.StartHour, g.EndHour, loc), details), nil
	}
	return pass(g.Name(), details), nil
}

// DailyTradesGate caps the number of entries per session day
type DailyTradesGate struct {
	Rules *rules.RuleSet
}

func (g *DailyTradesGate) Name() string  { return "daily_trades" }
func (g *DailyTradesGate) Priority() int { return 25 }

func (g *DailyTradesGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	if g.Rules == nil {
		return Result{}, fmt.Errorf("no ruleset")
	}
	details := map[string]any{"taken": s.DailyTrades, "max": g.Rules.MaxDailyTrades()}
	if !g.Rules.ValidateDailyTrades(s.DailyTrades) {
		return fail(g.Name(), fmt.Sprintf("max_daily_trades reached (%d)", s.DailyTrades), details), nil
	}
	return pass(g.Name(), details), nil
}

// TimeframeGate rejects candidates generated on disallowed chart timeframes
type TimeframeGate struct {
	Rules *rules.RuleSet
}

func (g *TimeframeGate) Name() string  { return "timeframe" }
func (g *TimeframeGate) Priority() int { return 5 }

func (g *TimeframeGate) Evaluate(c trade.Candidate, s Snapshot) (Result, error) {
	if g.Rules == nil {
		return Result{}, fmt.Errorf("no ruleset")
	}
	if !g.Rules.ValidateTimeframe(c.Timeframe) {
		return fail(g.Name(), fmt.Sprintf("timeframe %q not allowed", c.Timeframe), nil), nil
	}
	return pass(g.Name(), nil), nil
}
