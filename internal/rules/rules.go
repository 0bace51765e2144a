package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// ATRMultipliers bound spread and stop distance in units of ATR14
type ATRMultipliers struct {
	MaxSpread float64 `yaml:"max_spread"`
	Stop      float64 `yaml:"stop"`
}

// Config is the caller-supplied input to New
type Config struct {
	MinNotional            float64                             `yaml:"min_notional"`
	MinRiskReward          float64                             `yaml:"min_risk_reward"`
	MaxHoldDuration        time.Duration                       `yaml:"max_hold_duration"`
	DailyLossBreakerPct    float64                             `yaml:"daily_loss_breaker_pct"` // negative, e.g. -5.0
	MaxConcurrentPositions int                                 `yaml:"max_concurrent_positions"`
	MaxDailyTrades         int                                 `yaml:"max_daily_trades"`
	MaxPlacementLatency    time.Duration                       `yaml:"max_placement_latency"`
	MinExpectedPnL         float64                             `yaml:"min_expected_pnl"`
	MinPositionPct         float64                             `yaml:"min_position_pct"`
	MaxPositionPct         float64                             `yaml:"max_position_pct"`
	AllowedTimeframes      []string                            `yaml:"allowed_timeframes"`
	RejectedTimeframes     []string                            `yaml:"rejected_timeframes"`
	ATR                    map[trade.AssetClass]ATRMultipliers `yaml:"atr"`
}

// DefaultConfig returns the production rule values
func DefaultConfig() Config {
	return Config{
		MinNotional:            15000,
		MinRiskReward:          3.2,
		MaxHoldDuration:        6 * time.Hour,
		DailyLossBreakerPct:    -5.0,
		MaxConcurrentPositions: 3,
		MaxDailyTrades:         12,
		MaxPlacementLatency:    300 * time.Millisecond,
		MinExpectedPnL:         100,
		MinPositionPct:         0.001,
		MaxPositionPct:         0.10,
		AllowedTimeframes:      []string{"M15", "M30", "H1"},
		RejectedTimeframes:     []string{"M1", "M5"},
		ATR: map[trade.AssetClass]ATRMultipliers{
			trade.FX:     {MaxSpread: 0.15, Stop: 1.2},
			trade.Crypto: {MaxSpread: 0.10, Stop: 1.5},
		},
	}
}

// ConfigurationError lists every failed check. It is fatal: a RuleSet is
// either fully valid or not constructed.
type ConfigurationError struct {
	Failures []string
}

func (e *ConfigurationError) Error() string {
	return "ruleset configuration invalid: " + strings.Join(e.Failures, "; ")
}

// RuleSet is immutable after New returns. All methods are safe for
// concurrent use without locking.
type RuleSet struct {
	minNotional         float64
	minRiskReward       float64
	maxHold             time.Duration
	dailyLossBreakerPct float64
	maxConcurrent       int
	maxDailyTrades      int
	maxPlacementLatency time.Duration
	minExpectedPnL      float64
	minPositionPct      float64
	maxPositionPct      float64
	allowedTF           map[string]bool
	rejectedTF          map[string]bool
	atr                 map[trade.AssetClass]ATRMultipliers
}

// New validates cfg, builds the RuleSet and runs the self-test battery
func New(cfg Config) (*RuleSet, error) {
	if failures := checkStructure(cfg); len(failures) > 0 {
		return nil, &ConfigurationError{Failures: failures}
	}

	rs := &RuleSet{
		minNotional:         cfg.MinNotional,
		minRiskReward:       cfg.MinRiskReward,
		maxHold:             cfg.MaxHoldDuration,
		dailyLossBreakerPct: cfg.DailyLossBreakerPct,
		maxConcurrent:       cfg.MaxConcurrentPositions,
		maxDailyTrades:      cfg.MaxDailyTrades,
		maxPlacementLatency: cfg.MaxPlacementLatency,
		minExpectedPnL:      cfg.MinExpectedPnL,
		minPositionPct:      cfg.MinPositionPct,
		maxPositionPct:      cfg.MaxPositionPct,
		allowedTF:           toSet(cfg.AllowedTimeframes),
		rejectedTF:          toSet(cfg.RejectedTimeframes),
		atr:                 make(map[trade.AssetClass]ATRMultipliers, len(cfg.ATR)),
	}
	for k, v := range cfg.ATR {
		rs.atr[k] = v
	}

	if failures := rs.selfTest(); len(failures) > 0 {
		return nil, &ConfigurationError{Failures: failures}
	}
	return rs, nil
}

// MustNew is New for program wiring; it panics on a bad configuration
func MustNew(cfg Config) *RuleSet {
	rs, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return rs
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[strings.ToUpper(it)] = true
	}
	return m
}

func checkStructure(cfg Config) []string {
	var f []string
	if cfg.MinNotional <= 0 {
		f = append(f, fmt.Sprintf("min_notional must be > 0, got %v", cfg.MinNotional))
	}
	if cfg.MinRiskReward <= 0 {
		f = append(f, fmt.Sprintf("min_risk_reward must be > 0, got %v", cfg.MinRiskReward))
	}
	if cfg.MaxHoldDuration <= 0 {
		f = append(f, fmt.Sprintf("max_hold_duration must be > 0, got %v", cfg.MaxHoldDuration))
	}
	if cfg.DailyLossBreakerPct >= 0 || cfg.DailyLossBreakerPct <= -100 {
		f = append(f, fmt.Sprintf("daily_loss_breaker_pct must be in (-100, 0), got %v", cfg.DailyLossBreakerPct))
	}
	if cfg.MaxConcurrentPositions <= 0 {
		f = append(f, fmt.Sprintf("max_concurrent_positions must be > 0, got %d", cfg.MaxConcurrentPositions))
	}
	if cfg.MaxDailyTrades < cfg.MaxConcurrentPositions {
		f = append(f, fmt.Sprintf("max_daily_trades (%d) must be >= max_concurrent_positions (%d)",
			cfg.MaxDailyTrades, cfg.MaxConcurrentPositions))
	}
	if cfg.MaxPlacementLatency <= 0 {
		f = append(f, fmt.Sprintf("max_placement_latency must be > 0, got %v", cfg.MaxPlacementLatency))
	}
	if cfg.MinExpectedPnL < 0 {
		f = append(f, fmt.Sprintf("min_expected_pnl must be >= 0, got %v", cfg.MinExpectedPnL))
	}
	if cfg.MinPositionPct <= 0 || cfg.MaxPositionPct > 1 || cfg.MinPositionPct > cfg.MaxPositionPct {
		f = append(f, fmt.Sprintf("position pct bounds must satisfy 0 < min <= max <= 1, got [%v, %v]",
			cfg.MinPositionPct, cfg.MaxPositionPct))
	}
	if len(cfg.AllowedTimeframes) == 0 {
		f = append(f, "allowed_timeframes must not be empty")
	}
	allowed := toSet(cfg.AllowedTimeframes)
	for _, tf := range cfg.RejectedTimeframes {
		if allowed[strings.ToUpper(tf)] {
			f = append(f, fmt.Sprintf("timeframe %s is both allowed and rejected", tf))
		}
	}
	classes := make([]string, 0, len(cfg.ATR))
	for class := range cfg.ATR {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	for _, class := range classes {
		m := cfg.ATR[trade.AssetClass(class)]
		if m.MaxSpread <= 0 || m.Stop <= 0 {
			f = append(f, fmt.Sprintf("atr multipliers for %s must be > 0", class))
		}
	}
	return f
}

// selfTest runs known-good and known-bad inputs at each boundary through the
// public predicates.
func (rs *RuleSet) selfTest() []string {
	type selfCheck struct {
		name string
		got  bool
		want bool
	}
	checks := []selfCheck{
		{"hold at max", rs.ValidateHoldDuration(rs.maxHold), true},
		{"hold past max", rs.ValidateHoldDuration(rs.maxHold + time.Hour), false},
		{"hold zero", rs.ValidateHoldDuration(0), false},
		{"risk/reward at min", rs.ValidateRiskReward(rs.minRiskReward), true},
		{"risk/reward below min", rs.ValidateRiskReward(rs.minRiskReward - 0.1), false},
		{"notional at min", rs.ValidateNotional(rs.minNotional), true},
		{"notional below min", rs.ValidateNotional(rs.minNotional - 1), false},
		{"daily pnl above breaker", rs.ValidateDailyPnL(rs.dailyLossBreakerPct + 0.1), true},
		{"daily pnl below breaker", rs.ValidateDailyPnL(rs.dailyLossBreakerPct - 0.1), false},
		{"daily pnl at breaker", rs.ValidateDailyPnL(rs.dailyLossBreakerPct), false},
		{"daily trades at max", rs.ValidateDailyTrades(rs.maxDailyTrades), false},
		{"daily trades below max", rs.ValidateDailyTrades(rs.maxDailyTrades - 1), true},
	}
	for tf := range rs.allowedTF {
		checks = append(checks, selfCheck{"timeframe " + tf, rs.ValidateTimeframe(tf), true})
	}
	for tf := range rs.rejectedTF {
		checks = append(checks, selfCheck{"timeframe " + tf, rs.ValidateTimeframe(tf), false})
	}

	var failures []string
	for _, p := range checks {
		if p.got != p.want {
			failures = append(failures, fmt.Sprintf("self-test %q: got %v want %v", p.name, p.got, p.want))
		}
	}
	sort.Strings(failures)
	return failures
}

// ValidateNotional reports usd >= min notional
func (rs *RuleSet) ValidateNotional(usd float64) bool { return usd >= rs.minNotional }

// ValidateRiskReward reports ratio >= min risk/reward
func (rs *RuleSet) ValidateRiskReward(ratio float64) bool { return ratio >= rs.minRiskReward }

// ValidateHoldDuration reports 0 < elapsed <= max hold
func (rs *RuleSet) ValidateHoldDuration(elapsed time.Duration) bool {
	return elapsed > 0 && elapsed <= rs.maxHold
}

// ValidateDailyPnL reports whether pct (e.g. -4.9) is still above the breaker level
func (rs *RuleSet) ValidateDailyPnL(pct float64) bool { return pct > rs.dailyLossBreakerPct }

// ValidateDailyTrades reports whether another trade fits in today's budget
func (rs *RuleSet) ValidateDailyTrades(taken int) bool { return taken < rs.maxDailyTrades }

// ValidateExpectedPnL reports usd >= min expected pnl
func (rs *RuleSet) ValidateExpectedPnL(usd float64) bool { return usd >= rs.minExpectedPnL }

// ValidateTimeframe accepts allowed timeframes and an empty (unspecified) one
func (rs *RuleSet) ValidateTimeframe(tf string) bool {
	if tf == "" {
		return true
	}
	tf = strings.ToUpper(tf)
	if rs.rejectedTF[tf] {
		return false
	}
	return rs.allowedTF[tf]
}

func (rs *RuleSet) MinNotional() float64                  { return rs.minNotional }
func (rs *RuleSet) MinRiskReward() float64                { return rs.minRiskReward }
func (rs *RuleSet) MaxHoldDuration() time.Duration        { return rs.maxHold }
func (rs *RuleSet) DailyLossBreakerPct() float64          { return rs.dailyLossBreakerPct }
func (rs *RuleSet) MaxConcurrentPositions() int           { return rs.maxConcurrent }
func (rs *RuleSet) MaxDailyTrades() int                   { return rs.maxDailyTrades }
func (rs *RuleSet) MaxPlacementLatency() time.Duration    { return rs.maxPlacementLatency }
func (rs *RuleSet) MinExpectedPnL() float64               { return rs.minExpectedPnL }
func (rs *RuleSet) PositionPctBounds() (float64, float64) { return rs.minPositionPct, rs.maxPositionPct }

// StopATRMultiplier returns the stop distance multiplier for a class, 0 if undeclared
func (rs *RuleSet) StopATRMultiplier(class trade.AssetClass) float64 { return rs.atr[class].Stop }

// SpreadATRMultiplier returns the max spread multiplier for a class, 0 if undeclared
func (rs *RuleSet) SpreadATRMultiplier(class trade.AssetClass) float64 {
	return rs.atr[class].MaxSpread
}

// Summary lists the effective rules for operators
func (rs *RuleSet) Summary() map[string]any {
	atr := map[string]any{}
	for k, v := range rs.atr {
		atr[string(k)] = map[string]float64{"max_spread": v.MaxSpread, "stop": v.Stop}
	}
	tfs := make([]string, 0, len(rs.allowedTF))
	for tf := range rs.allowedTF {
		tfs = append(tfs, tf)
	}
	sort.Strings(tfs)
	return map[string]any{
		"min_notional":             rs.minNotional,
		"min_risk_reward":          rs.minRiskReward,
		"max_hold_duration":        rs.maxHold.String(),
		"daily_loss_breaker_pct":   rs.dailyLossBreakerPct,
		"max_concurrent_positions": rs.maxConcurrent,
		"max_daily_trades":         rs.maxDailyTrades,
		"max_placement_latency":    rs.maxPlacementLatency.String(),
		"min_expected_pnl":         rs.minExpectedPnL,
		"min_position_pct":         rs.minPositionPct,
		"max_position_pct":         rs.maxPositionPct,
		"allowed_timeframes":       tfs,
		"atr":                      atr,
	}
}
