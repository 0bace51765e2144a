package sizing

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Policy selects the fractional-Kelly multiplier
type Policy int

const (
	Conservative Policy = iota
	Aggressive
)

func (p Policy) String() string {
	if p == Aggressive {
		return "aggressive"
	}
	return "conservative"
}

// KellyMultiplier is the fraction of full Kelly the policy bets
func (p Policy) KellyMultiplier() float64 {
	if p == Aggressive {
		return 0.5
	}
	return 0.25
}

// ParsePolicy accepts "conservative" or "aggressive"; empty means conservative
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "conservative":
		return Conservative, nil
	case "aggressive":
		return Aggressive, nil
	}
	return Conservative, fmt.Errorf("unknown sizing policy %q", s)
}

// FloorPolicy says what happens when the sized notional is below the minimum
type FloorPolicy string

const (
	FloorUpsize FloorPolicy = "upsize"
	FloorReject FloorPolicy = "reject"
)

// Risk levels
const (
	RiskNone     = "NONE"
	RiskLow      = "LOW"
	RiskModerate = "MODERATE"
	RiskHigh     = "HIGH"
	RiskExtreme  = "EXTREME"
	RiskError    = "ERROR"
)

// ReasonInsufficientData prefixes the reasoning of a sizing made without
// enough outcome history
const ReasonInsufficientData = "insufficient data"

// Config tunes the sizer. Zero fields take defaults from DefaultConfig.
type Config struct {
	Policy            string                       `yaml:"policy"`
	FloorPolicy       FloorPolicy                  `yaml:"floor_policy"`
	HistorySize       int                          `yaml:"history_size"`
	MinTrades         int                          `yaml:"min_trades"`
	VolatilityTarget  float64                      `yaml:"volatility_target"`
	VolLookback       int                          `yaml:"vol_lookback"`
	MinVolTrades      int                          `yaml:"min_vol_trades"`
	VolAdjMin         float64                      `yaml:"vol_adj_min"`
	VolAdjMax         float64                      `yaml:"vol_adj_max"`
	SharpeLookback    int                          `yaml:"sharpe_lookback"`
	MinSharpeTrades   int                          `yaml:"min_sharpe_trades"`
	RiskFreeRate      float64                      `yaml:"risk_free_rate"`
	RegimeMultipliers map[trade.Regime]float64     `yaml:"regime_multipliers"`
	LotSizes          map[trade.AssetClass]float64 `yaml:"lot_sizes"`
	Balance           float64                      `yaml:"balance"`
	// SeedFile holds bootstrap outcomes for a journal with no history yet
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig returns the production sizing parameters
func DefaultConfig() Config {
	return Config{
		Policy:           "conservative",
		FloorPolicy:      FloorUpsize,
		HistorySize:      100,
		MinTrades:        10,
		VolatilityTarget: 0.02,
		VolLookback:      20,
		MinVolTrades:     5,
		VolAdjMin:        0.1,
		VolAdjMax:        2.0,
		SharpeLookback:   30,
		MinSharpeTrades:  10,
		RiskFreeRate:     0.02,
		RegimeMultipliers: map[trade.Regime]float64{
			trade.RegimeSideways: 0.7,
			trade.RegimeBearish:  0.8,
			trade.RegimeCrisis:   0.5,
		},
		LotSizes: map[trade.AssetClass]float64{
			trade.FX:     1,
			trade.Crypto: 0.0001,
			trade.Equity: 1,
		},
		Balance: 100000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FloorPolicy == "" {
		c.FloorPolicy = d.FloorPolicy
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.MinTrades <= 0 {
		c.MinTrades = d.MinTrades
	}
	if c.VolatilityTarget <= 0 {
		c.VolatilityTarget = d.VolatilityTarget
	}
	if c.VolLookback <= 0 {
		c.VolLookback = d.VolLookback
	}
	if c.MinVolTrades <= 0 {
		c.MinVolTrades = d.MinVolTrades
	}
	if c.VolAdjMin <= 0 {
		c.VolAdjMin = d.VolAdjMin
	}
	if c.VolAdjMax <= 0 {
		c.VolAdjMax = d.VolAdjMax
	}
	if c.SharpeLookback <= 0 {
		c.SharpeLookback = d.SharpeLookback
	}
	if c.MinSharpeTrades <= 0 {
		c.MinSharpeTrades = d.MinSharpeTrades
	}
	if c.RiskFreeRate == 0 {
		c.RiskFreeRate = d.RiskFreeRate
	}
	if c.RegimeMultipliers == nil {
		c.RegimeMultipliers = d.RegimeMultipliers
	}
	if c.LotSizes == nil {
		c.LotSizes = d.LotSizes
	}
	if c.Balance <= 0 {
		c.Balance = d.Balance
	}
	return c
}

// Request is one sizing question
type Request struct {
	Symbol     string
	Class      trade.AssetClass // derived from Symbol when empty
	Price      float64
	Confidence float64
	Regime     trade.Regime
	Balance    float64   // overrides the sizer's balance when > 0
	Prices     []float64 // optional recent closes for realized volatility
}

// Result is the sizer's answer. A zero-size result always carries a reason.
type Result struct {
	Symbol           string  `json:"symbol"`
	RawKelly         float64 `json:"raw_kelly"`
	BaseKelly        float64 `json:"base_kelly"` // after the policy multiplier
	VolAdjustment    float64 `json:"vol_adjustment"`
	SharpeAdjustment float64 `json:"sharpe_adjustment"`
	RegimeAdjustment float64 `json:"regime_adjustment"`
	Confidence       float64 `json:"confidence"`
	AdjustedFraction float64 `json:"adjusted_fraction"`
	FinalFraction    float64 `json:"final_fraction"`
	MaxFraction      float64 `json:"max_fraction"`
	Units            float64 `json:"units"`
	Notional         float64 `json:"notional"`
	RiskLevel        string  `json:"risk_level"`
	Reasoning        string  `json:"reasoning"`
	TradesAnalyzed   int     `json:"trades_analyzed"`
	Upsized          bool    `json:"upsized"`
	InsufficientData bool    `json:"insufficient_data"`
	Err              string  `json:"error,omitempty"`
}

// Zero reports whether the result sizes nothing
func (r Result) Zero() bool { return r.Units <= 0 }

// Sizer computes bounded position sizes from per-symbol outcome history.
// History is sharded by symbol; the tunables below are guarded by mu.
type Sizer struct {
	rules   *rules.RuleSet
	cfg     Config
	policy  Policy
	history *history

	mu        sync.RWMutex
	kellyMult float64
	maxPct    float64
	balance   float64
}

// New creates a sizer bound to a RuleSet
func New(rs *rules.RuleSet, cfg Config) (*Sizer, error) {
	if rs == nil {
		return nil, fmt.Errorf("sizing: nil ruleset")
	}
	cfg = cfg.withDefaults()
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.FloorPolicy != FloorUpsize && cfg.FloorPolicy != FloorReject {
		return nil, fmt.Errorf("sizing: unknown floor policy %q", cfg.FloorPolicy)
	}
	_, maxPct := rs.PositionPctBounds()
	return &Sizer{
		rules:     rs,
		cfg:       cfg,
		policy:    policy,
		history:   newHistory(cfg.HistorySize),
		kellyMult: policy.KellyMultiplier(),
		maxPct:    maxPct,
		balance:   cfg.Balance,
	}, nil
}

// Policy returns the configured policy
func (s *Sizer) Policy() Policy { return s.policy }

// FloorPolicy returns the configured below-minimum policy
func (s *Sizer) FloorPolicy() FloorPolicy { return s.cfg.FloorPolicy }

// SetBalance updates the account balance used when a request carries none
func (s *Sizer) SetBalance(balance float64) {
	s.mu.Lock()
	old := s.balance
	s.balance = balance
	s.mu.Unlock()
	observ.Log("sizer_balance_updated", map[string]any{"old": old, "new": balance})
}

// Record appends a closed trade. Callers must record in close order.
func (s *Sizer) Record(o trade.Outcome) {
	s.history.add(o)
	observ.IncCounter("sizer_outcomes_recorded_total", nil)
}

// Seed replays historical outcomes, oldest first
func (s *Sizer) Seed(outcomes []trade.Outcome) {
	for _, o := range outcomes {
		s.history.add(o)
	}
}

// History returns a copy of a symbol's outcomes, oldest first
func (s *Sizer) History(symbol string) []trade.Outcome {
	return s.history.outcomes(symbol)
}

type kellyStats struct {
	raw, base        float64
	winRate          float64
	avgWin, avgLoss  float64
	trades           int
	insufficientData bool
	reason           string
}

func (s *Sizer) kelly(trades []trade.Outcome, mult float64) kellyStats {
	st := kellyStats{trades: len(trades)}
	if len(trades) < s.cfg.MinTrades {
		st.insufficientData = true
		st.reason = fmt.Sprintf("%s: %d < %d trades", ReasonInsufficientData, len(trades), s.cfg.MinTrades)
		return st
	}
	var wins, losses []float64
	for _, t := range trades {
		switch {
		case t.PnLPct > 0:
			wins = append(wins, t.PnLPct)
		case t.PnLPct < 0:
			losses = append(losses, t.PnLPct)
		}
	}
	if len(wins) == 0 || len(losses) == 0 {
		st.insufficientData = true
		st.reason = ReasonInsufficientData + ": need both wins and losses"
		return st
	}
	st.winRate = float64(len(wins)) / float64(len(trades))
	st.avgWin = mean(wins)
	st.avgLoss = math.Abs(mean(losses))
	b := st.avgWin / st.avgLoss
	p, q := st.winRate, 1-st.winRate
	st.raw = math.Max(0, (b*p-q)/b)
	st.base = st.raw * mult
	if st.base == 0 {
		st.reason = fmt.Sprintf("no edge: win rate %.2f, payoff %.2f", p, b)
	}
	return st
}

func (s *Sizer) volAdjustment(trades []trade.Outcome, prices []float64) float64 {
	var returns []float64
	if len(prices) > s.cfg.VolLookback {
		for i := 1; i < len(prices); i++ {
			if prices[i-1] <= 0 || prices[i] <= 0 {
				return 1.0
			}
			returns = append(returns, math.Log(prices[i]/prices[i-1]))
		}
	} else {
		if len(trades) < s.cfg.MinVolTrades {
			return 1.0
		}
		recent := tail(trades, s.cfg.VolLookback)
		for _, t := range recent {
			returns = append(returns, t.PnLPct/100)
		}
	}
	realized := stddev(returns) * math.Sqrt(252)
	adj := s.cfg.VolatilityTarget / math.Max(realized, 0.001)
	return clamp(adj, s.cfg.VolAdjMin, s.cfg.VolAdjMax)
}

func (s *Sizer) sharpeAdjustment(trades []trade.Outcome) float64 {
	if len(trades) < s.cfg.MinSharpeTrades {
		return 1.0
	}
	recent := tail(trades, s.cfg.SharpeLookback)
	returns := make([]float64, 0, len(recent))
	for _, t := range recent {
		returns = append(returns, t.PnLPct/100)
	}
	sd := stddev(returns)
	if sd == 0 {
		return 1.0
	}
	sharpe := (mean(returns) - s.cfg.RiskFreeRate/252) / sd
	switch {
	case sharpe > 2.0:
		return 1.5
	case sharpe > 1.0:
		return 1.0 + (sharpe-1.0)*0.5
	case sharpe > 0:
		return 0.7 + sharpe*0.3
	default:
		return 0.5
	}
}

func (s *Sizer) regimeAdjustment(r trade.Regime) float64 {
	if m, ok := s.cfg.RegimeMultipliers[r]; ok {
		return m
	}
	return 1.0
}

func riskLevel(kelly, vol, sharpe float64) string {
	combined := kelly * vol * sharpe
	switch {
	case combined >= 0.08:
		return RiskExtreme
	case combined >= 0.06:
		return RiskHigh
	case combined >= 0.03:
		return RiskModerate
	default:
		return RiskLow
	}
}

// Calculate sizes one request. It never panics and never returns an error;
// failures come back as a zero-size result with Err set.
func (s *Sizer) Calculate(req Request) (res Result) {
	res = Result{Symbol: req.Symbol, RiskLevel: RiskNone, VolAdjustment: 1, SharpeAdjustment: 1, RegimeAdjustment: 1}
	defer func() {
		if rec := recover(); rec != nil {
			res = s.errorResult(req.Symbol, fmt.Sprintf("calculation error: %v", rec))
		}
		observ.IncCounter("sizing_results_total", map[string]string{"risk_level": res.RiskLevel})
	}()

	s.mu.RLock()
	mult, maxPct, balance := s.kellyMult, s.maxPct, s.balance
	s.mu.RUnlock()
	if req.Balance > 0 {
		balance = req.Balance
	}
	minPct, _ := s.rules.PositionPctBounds()
	res.MaxFraction = maxPct

	switch {
	case req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0):
		return s.errorResult(req.Symbol, fmt.Sprintf("invalid price %v", req.Price))
	case balance <= 0 || math.IsNaN(balance):
		return s.errorResult(req.Symbol, fmt.Sprintf("invalid balance %v", balance))
	case req.Confidence < 0 || req.Confidence > 1 || math.IsNaN(req.Confidence):
		return s.errorResult(req.Symbol, fmt.Sprintf("confidence %v outside [0,1]", req.Confidence))
	}

	trades := s.history.outcomes(req.Symbol)
	k := s.kelly(trades, mult)
	res.RawKelly, res.BaseKelly = k.raw, k.base
	res.TradesAnalyzed = k.trades
	res.InsufficientData = k.insufficientData
	if k.base == 0 {
		res.Reasoning = k.reason
		return res
	}

	res.VolAdjustment = s.volAdjustment(trades, req.Prices)
	res.SharpeAdjustment = s.sharpeAdjustment(trades)
	res.RegimeAdjustment = s.regimeAdjustment(req.Regime)
	res.Confidence = req.Confidence
	res.AdjustedFraction = k.base * res.VolAdjustment * res.SharpeAdjustment * res.RegimeAdjustment * req.Confidence
	res.RiskLevel = riskLevel(k.base, res.VolAdjustment, res.SharpeAdjustment)

	parts := []string{
		fmt.Sprintf("Kelly: %.3f", k.base),
		fmt.Sprintf("Vol adj: %.2f", res.VolAdjustment),
		fmt.Sprintf("Sharpe adj: %.2f", res.SharpeAdjustment),
		fmt.Sprintf("Regime adj: %.2f", res.RegimeAdjustment),
		fmt.Sprintf("Confidence: %.2f", req.Confidence),
		fmt.Sprintf("%d trades analyzed", k.trades),
		"Policy: " + s.policy.String(),
	}

	if res.AdjustedFraction <= 0 {
		res.RiskLevel = RiskNone
		res.Reasoning = strings.Join(append(parts, "adjusted fraction is zero"), " | ")
		return res
	}
	res.FinalFraction = clamp(res.AdjustedFraction, minPct, maxPct)
	if res.FinalFraction != res.AdjustedFraction {
		parts = append(parts, fmt.Sprintf("Clamped: %.4f -> %.4f", res.AdjustedFraction, res.FinalFraction))
	}

	class := req.Class
	if class == "" {
		class = trade.ClassOf(req.Symbol)
	}
	lot := s.cfg.LotSizes[class]
	if lot <= 0 {
		lot = 1
	}
	price := decimal.NewFromFloat(req.Price)
	step := decimal.NewFromFloat(lot)
	units := decimal.NewFromFloat(balance * res.FinalFraction).Div(price).Div(step).Floor().Mul(step)
	notional := units.Mul(price)

	minNotional := decimal.NewFromFloat(s.rules.MinNotional())
	if notional.LessThan(minNotional) {
		if s.cfg.FloorPolicy == FloorReject {
			res.Reasoning = strings.Join(append(parts,
				fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(2), minNotional.String())), " | ")
			return res
		}
		units = minNotional.Div(price).Div(step).Ceil().Mul(step)
		parts = append(parts, fmt.Sprintf("Upsized: %s -> %s notional",
			notional.StringFixed(2), units.Mul(price).StringFixed(2)))
		notional = units.Mul(price)
		res.Upsized = true
	}

	res.Units = units.InexactFloat64()
	res.Notional = notional.InexactFloat64()
	res.Reasoning = strings.Join(parts, " | ")
	return res
}

func (s *Sizer) errorResult(symbol, reason string) Result {
	observ.Warn("sizing_error", map[string]any{"symbol": symbol, "error": reason})
	return Result{
		Symbol:           symbol,
		VolAdjustment:    1,
		SharpeAdjustment: 1,
		RegimeAdjustment: 1,
		RiskLevel:        RiskError,
		Reasoning:        reason,
		Err:              reason,
	}
}

// AdjustForDrawdown scales risk with portfolio drawdown (a fraction, 0.12 =
// 12%). Deep drawdowns cut the Kelly multiplier and position cap; calm
// periods let them recover slowly, never past the policy or rule bounds.
func (s *Sizer) AdjustForDrawdown(drawdown float64) {
	minPct, rulesMax := s.rules.PositionPctBounds()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case drawdown > 0.10:
		s.kellyMult = math.Max(0.1, s.kellyMult*0.8)
		s.maxPct = math.Max(minPct, math.Max(0.05, s.maxPct*0.9))
		if s.maxPct > rulesMax {
			s.maxPct = rulesMax
		}
	case drawdown < 0.02:
		s.kellyMult = math.Min(s.policy.KellyMultiplier(), s.kellyMult*1.05)
		s.maxPct = math.Min(rulesMax, s.maxPct*1.02)
	default:
		return
	}
	observ.SetGauge("sizer_kelly_multiplier", s.kellyMult, nil)
	observ.SetGauge("sizer_max_position_pct", s.maxPct, nil)
}

// Tunables returns the current Kelly multiplier and position cap
func (s *Sizer) Tunables() (kellyMult, maxPct float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kellyMult, s.maxPct
}

// Summary aggregates outcome history across symbols
func (s *Sizer) Summary(now time.Time) map[string]any {
	symbols := s.history.symbols()
	sort.Strings(symbols)
	var total, wins, recent, active int
	var recentPnL float64
	cutoff := now.AddDate(0, 0, -30)
	for _, sym := range symbols {
		outs := s.history.outcomes(sym)
		if len(outs) > 0 {
			active++
		}
		for _, o := range outs {
			total++
			if o.Win {
				wins++
			}
			if !o.ClosedAt.Before(cutoff) {
				recent++
				recentPnL += o.PnL
			}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	winRate := 0.0
	if total > 0 {
		winRate = float64(wins) / float64(total)
	}
	return map[string]any{
		"total_symbols":      len(symbols),
		"active_symbols":     active,
		"total_trades":       total,
		"overall_win_rate":   winRate,
		"recent_trades_30d":  recent,
		"recent_pnl_30d":     recentPnL,
		"account_balance":    s.balance,
		"max_position_limit": s.maxPct,
		"kelly_multiplier":   s.kellyMult,
		"volatility_target":  s.cfg.VolatilityTarget,
		"policy":             s.policy.String(),
	}
}

func tail(xs []trade.Outcome, n int) []trade.Outcome {
	if len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
