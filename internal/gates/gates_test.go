package gates

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

func testRules(t *testing.T) *rules.RuleSet {
	t.Helper()
	rs, err := rules.New(rules.DefaultConfig())
	require.NoError(t, err)
	return rs
}

func fxCandidate() trade.Candidate {
	return trade.Candidate{
		Symbol: "EUR_USD", Side: trade.Buy,
		Entry: 1.1000, Stop: 1.0950, Target: 1.1160,
		Notional: 15000, Leverage: 50, Confidence: 0.8, Timeframe: "M15",
	}
}

// Wednesday 10:00 in New York
var nyMorning = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

func healthySnapshot() Snapshot {
	return Snapshot{NAV: 100000, MarginUsed: 1000, Now: nyMorning}
}

func TestMarginGate(t *testing.T) {
	g := &MarginGate{MaxRatio: 0.35}
	tests := []struct {
		name   string
		snap   Snapshot
		cand   trade.Candidate
		passed bool
		reason string
	}{
		{"healthy", Snapshot{NAV: 10000, MarginUsed: 1000}, trade.Candidate{Notional: 15000, Leverage: 50}, true, ""},
		{"already over", Snapshot{NAV: 10000, MarginUsed: 4000}, trade.Candidate{}, false, "margin_cap_exceeded"},
		{"would exceed", Snapshot{NAV: 10000, MarginUsed: 3000}, trade.Candidate{Notional: 15000, Leverage: 20}, false, "margin_cap_would_exceed"},
		{"zero nav", Snapshot{NAV: 0}, trade.Candidate{}, false, "nav unknown"},
		{"negative nav", Snapshot{NAV: -5}, trade.Candidate{}, false, "nav unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := g.Evaluate(tt.cand, tt.snap)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, r.Passed)
			assert.Contains(t, r.Reason, tt.reason)
		})
	}
}

func TestConcurrencyGate(t *testing.T) {
	g := &ConcurrencyGate{Rules: testRules(t)}

	r, _ := g.Evaluate(fxCandidate(), Snapshot{OpenCount: 2})
	assert.True(t, r.Passed)

	r, _ = g.Evaluate(fxCandidate(), Snapshot{OpenCount: 3})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "max_concurrent_positions")

	_, err := (&ConcurrencyGate{}).Evaluate(fxCandidate(), Snapshot{})
	assert.Error(t, err)
}

func TestCorrelationGate(t *testing.T) {
	g := &CorrelationGate{}
	open := []Exposure{
		{Symbol: "USD_CHF", Side: trade.Buy, Notional: 19000},
		{Symbol: "EUR_USD", Side: trade.Buy, Notional: 16000},
	}

	// EUR bucket already long; buying more EUR grows it
	r, err := g.Evaluate(trade.Candidate{Symbol: "EUR_USD", Side: trade.Buy, Notional: 10000}, Snapshot{Positions: open})
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "correlation_gate:EUR_bucket")

	// selling EUR grows the USD long left by USD_CHF
	r, _ = g.Evaluate(trade.Candidate{Symbol: "EUR_USD", Side: trade.Sell, Notional: 10000}, Snapshot{Positions: open})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "USD_bucket")

	// without it, the sell only shrinks existing buckets
	r, _ = g.Evaluate(trade.Candidate{Symbol: "EUR_USD", Side: trade.Sell, Notional: 10000}, Snapshot{Positions: open[1:]})
	assert.True(t, r.Passed)

	// an unrelated pair touches only empty buckets
	r, _ = g.Evaluate(trade.Candidate{Symbol: "AUD_NZD", Side: trade.Buy, Notional: 10000}, Snapshot{Positions: open})
	assert.True(t, r.Passed)

	// non-pair symbols bucket by symbol
	eq := []Exposure{{Symbol: "AAPL", Side: trade.Buy, Notional: 5000}}
	r, _ = g.Evaluate(trade.Candidate{Symbol: "AAPL", Side: trade.Buy}, Snapshot{Positions: eq})
	assert.False(t, r.Passed)
	r, _ = g.Evaluate(trade.Candidate{Symbol: "MSFT", Side: trade.Buy}, Snapshot{Positions: eq})
	assert.True(t, r.Passed)
}

func TestTradingHoursGate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	g := &TradingHoursGate{Location: ny, StartHour: 8, EndHour: 16, WeekdaysOnly: true}

	tests := []struct {
		name   string
		now    time.Time
		passed bool
	}{
		{"weekday morning", nyMorning, true},
		{"weekday evening", time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := g.Evaluate(trade.Candidate{}, Snapshot{Now: tt.now})
			require.NoError(t, err)
			assert.Equal(t, tt.passed, r.Passed)
		})
	}

	_, err = g.Evaluate(trade.Candidate{}, Snapshot{})
	assert.Error(t, err, "missing clock must not pass")
}

type brokenGate struct{ panics bool }

func (g *brokenGate) Name() string  { return "broken" }
func (g *brokenGate) Priority() int { return 1 }
func (g *brokenGate) Evaluate(trade.Candidate, Snapshot) (Result, error) {
	if g.panics {
		panic("nil quote")
	}
	return Result{Passed: true}, errors.New("feed down")
}

func TestPipelineFailsClosed(t *testing.T) {
	for _, panics := range []bool{false, true} {
		p := NewPipeline(&brokenGate{panics: panics}, &CorrelationGate{})
		d := p.Evaluate(fxCandidate(), healthySnapshot())

		assert.False(t, d.Approved)
		assert.Equal(t, []string{"broken"}, d.BlockedBy)
		assert.Contains(t, d.Reason(), "broken_error")
		assert.Len(t, d.Results, 2, "remaining gates still run")
	}

	empty := NewPipeline().Evaluate(fxCandidate(), healthySnapshot())
	assert.False(t, empty.Approved)
}

func TestStandardPipelineReportsEveryFailure(t *testing.T) {
	p, err := NewStandardPipeline(testRules(t), DefaultConfig())
	require.NoError(t, err)

	ok := p.Evaluate(fxCandidate(), healthySnapshot())
	assert.True(t, ok.Approved, ok.Reason())
	assert.Empty(t, ok.BlockedBy)

	bad := fxCandidate()
	bad.Timeframe = "M1"
	snap := healthySnapshot()
	snap.OpenCount = 3
	snap.NAV = 0
	d := p.Evaluate(bad, snap)

	assert.False(t, d.Approved)
	assert.ElementsMatch(t, []string{"timeframe", "margin", "concurrency"}, d.BlockedBy)
	assert.Len(t, d.Reasons(), 3)
}

func TestStandardPipelineAppliesCryptoGates(t *testing.T) {
	p, err := NewStandardPipeline(testRules(t), DefaultConfig())
	require.NoError(t, err)

	btc := trade.Candidate{Symbol: "BTC-USD", Side: trade.Buy, Entry: 60000, Stop: 59000, Target: 63500, Notional: 15000, Consensus: 0.95}
	d := p.Evaluate(btc, healthySnapshot())
	assert.True(t, d.Approved, d.Reason())

	btc.Consensus = 0.5
	weekend := healthySnapshot()
	weekend.Now = time.Date(2026, 3, 8, 15, 0, 0, 0, time.UTC)
	d = p.Evaluate(btc, weekend)
	assert.ElementsMatch(t, []string{"consensus", "trading_hours"}, d.BlockedBy)

	// FX candidates never see crypto gates
	d = p.Evaluate(fxCandidate(), weekend)
	assert.True(t, d.Approved, d.Reason())
}

func TestPipelineIsIdempotent(t *testing.T) {
	p, err := NewStandardPipeline(testRules(t), DefaultConfig())
	require.NoError(t, err)

	snap := healthySnapshot()
	snap.Positions = []Exposure{{Symbol: "GBP_USD", Side: trade.Buy, Notional: 20000}}
	snap.OpenCount = 1

	first := p.Evaluate(fxCandidate(), snap)
	second := p.Evaluate(fxCandidate(), snap)
	assert.Equal(t, first, second)
}

func TestResizedRechecksMargin(t *testing.T) {
	p, err := NewStandardPipeline(testRules(t), DefaultConfig())
	require.NoError(t, err)

	c := fxCandidate()
	c.Notional = 0
	c.Leverage = 1
	snap := healthySnapshot()
	snap.MarginUsed = 30000
	assert.True(t, p.Evaluate(c, snap).Approved, "a zero hint projects no new margin")

	c.Notional = 15000
	d := p.Resized(c, snap)
	assert.False(t, d.Approved)
	assert.Equal(t, []string{"margin"}, d.BlockedBy)
	assert.Contains(t, d.Reason(), "margin_cap_would_exceed")
	require.Len(t, d.Results, 1, "only size-aware gates run again")

	c.Leverage = 50
	assert.True(t, p.Resized(c, snap).Approved)

	assert.True(t, NewPipeline(&CorrelationGate{}).Resized(c, snap).Approved)
}
