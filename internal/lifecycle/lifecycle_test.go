package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/gates"
	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

type harness struct {
	c       *Controller
	paper   *broker.Paper
	breaker *breaker.Breaker
	sizer   *sizing.Sizer
	events  *narration.Memory
	journal *journal.SQLJournal
}

type harnessOpts struct {
	rules func(*rules.Config)
	paper func(*broker.PaperConfig)
	// stop the breaker before the controller is built
	preHalt bool
}

var equities = map[string][3]float64{
	// entry, stop, target; every bracket is 4:1
	"AAPL": {206.80, 204.80, 214.80},
	"MSFT": {415.75, 410.75, 435.75},
	"NVDA": {120.00, 118.00, 128.00},
	"AMZN": {180.00, 177.00, 192.00},
}

func seedHistory(symbol string) []trade.Outcome {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	var out []trade.Outcome
	for i := 0; i < 12; i++ {
		o := trade.Outcome{Symbol: symbol, ClosedAt: base.Add(time.Duration(i) * time.Hour)}
		if i < 7 {
			o.PnLPct, o.PnL, o.Win = 2.0, 200, true
		} else {
			o.PnLPct, o.PnL = -1.0, -100
		}
		out = append(out, o)
	}
	return out
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	rcfg := rules.DefaultConfig()
	if opts.rules != nil {
		opts.rules(&rcfg)
	}
	rs, err := rules.New(rcfg)
	require.NoError(t, err)

	pipeline, err := gates.NewStandardPipeline(rs, gates.DefaultConfig())
	require.NoError(t, err)

	sz, err := sizing.New(rs, sizing.DefaultConfig())
	require.NoError(t, err)
	for sym := range equities {
		sz.Seed(seedHistory(sym))
	}

	dir := t.TempDir()
	bcfg := breaker.DefaultConfig()
	bcfg.MarkerPath = filepath.Join(dir, "breaker.lock")
	bcfg.AuditPath = filepath.Join(dir, "breaker.jsonl")
	brk, err := breaker.New(bcfg, breaker.WithRules(rs))
	require.NoError(t, err)
	if opts.preHalt {
		brk.ManualStop("ops", "pre-open halt")
	}

	pcfg := broker.PaperConfig{Seed: 7, Prices: map[string]float64{}}
	for sym, lv := range equities {
		pcfg.Prices[sym] = lv[0]
	}
	if opts.paper != nil {
		opts.paper(&pcfg)
	}
	paper := broker.NewPaper(pcfg)

	j, err := journal.NewSQLite(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	mem := narration.NewMemory(0)
	c, err := New(Config{PollInterval: 10 * time.Millisecond, CloseTimeout: time.Second}, Deps{
		Rules:   rs,
		Gates:   pipeline,
		Sizer:   sz,
		Breaker: brk,
		Broker:  paper,
		Sink:    mem,
		Journal: j,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &harness{c: c, paper: paper, breaker: brk, sizer: sz, events: mem, journal: j}
}

func candidate(symbol string) trade.Candidate {
	lv := equities[symbol]
	return trade.Candidate{
		ID:         "cand-" + symbol,
		Symbol:     symbol,
		Side:       trade.Buy,
		Entry:      lv[0],
		Stop:       lv[1],
		Target:     lv[2],
		Leverage:   20,
		Confidence: 0.9,
		Timeframe:  "H1",
	}
}

func (h *harness) waitClosed(t *testing.T, id string) Position {
	t.Helper()
	var p Position
	require.Eventually(t, func() bool {
		var ok bool
		p, ok = h.c.Get(id)
		return ok && p.Status == StatusClosed
	}, 3*time.Second, 5*time.Millisecond)
	return p
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingValidation, StatusValidated, true},
		{StatusPendingValidation, StatusRejected, true},
		{StatusPendingValidation, StatusOpen, false},
		{StatusValidated, StatusSubmitted, true},
		{StatusSubmitted, StatusOpen, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusOpen, StatusClosing, true},
		{StatusOpen, StatusClosed, false},
		{StatusClosing, StatusClosed, true},
		{StatusClosed, StatusOpen, false},
		{StatusRejected, StatusValidated, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusOpen.Terminal())
}

func TestIllegalTransitionPanics(t *testing.T) {
	p := Position{ID: "p1", Status: StatusOpen}
	assert.PanicsWithError(t, "lifecycle invariant violated: position p1: illegal transition OPEN -> CLOSED", func() {
		p.moveTo(StatusClosed)
	})
}

func TestSlotPoolNeverExceedsLimit(t *testing.T) {
	s := newSlotPool(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.tryReserve() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)
	assert.Equal(t, 3, s.inUse())

	s.release()
	assert.True(t, s.tryReserve())
	for i := 0; i < 3; i++ {
		s.release()
	}
	assert.Panics(t, func() { s.release() })
}

func TestRealizeBothSides(t *testing.T) {
	long := Position{Side: trade.Buy, Units: 100, FillPrice: 10}
	long.realize(12)
	assert.InDelta(t, 200, long.PnL, 1e-9)
	assert.InDelta(t, 20, long.PnLPct, 1e-9)

	short := Position{Side: trade.Sell, Units: 100, FillPrice: 10}
	short.realize(12)
	assert.InDelta(t, -200, short.PnL, 1e-9)
	assert.False(t, short.Outcome().Win)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestLowRiskRewardRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cand := candidate("AAPL")
	cand.Stop = 202.80 // 2:1

	p, err := h.c.Submit(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Contains(t, p.Reason, "min_risk_reward")
	assert.Equal(t, 0, h.paper.OpenPositions())
	assert.Len(t, h.events.Events(0, narration.TradeRejected), 1)
}

func TestInvalidCandidateRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cand := candidate("AAPL")
	cand.Target = 200 // below entry on a buy

	p, err := h.c.Submit(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.True(t, strings.HasPrefix(p.Reason, RejectInvalid))
}

func TestGateRejectionNarrated(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cand := candidate("AAPL")
	cand.Timeframe = "M1"

	p, err := h.c.Submit(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.True(t, strings.HasPrefix(p.Reason, RejectGates))

	evs := h.events.Events(0, narration.GateRejected)
	require.Len(t, evs, 1)
	assert.Equal(t, []string{"timeframe"}, evs[0].Detail["blocked_by"])
}

func TestNoHistoryRejectedBySizing(t *testing.T) {
	h := newHarness(t, harnessOpts{
		paper: func(c *broker.PaperConfig) { c.Prices["TSLA"] = 250 },
	})
	p, err := h.c.Submit(context.Background(), trade.Candidate{
		Symbol: "TSLA", Side: trade.Buy, Entry: 250, Stop: 245, Target: 270, Leverage: 20, Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Contains(t, p.Reason, sizing.ReasonInsufficientData)
}

func TestOpenIsUpsizedToMinNotional(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	assert.True(t, p.Upsized)
	assert.Equal(t, 73.0, p.Units)
	assert.GreaterOrEqual(t, p.Notional, 15000.0)
	assert.Equal(t, 206.80, p.FillPrice)
	assert.Len(t, h.events.Events(0, narration.PositionUpsized), 1)
	assert.Len(t, h.events.Events(0, narration.TradeOpened), 1)
	assert.Len(t, h.c.Positions(), 1)
}

func TestSizedNotionalRechecksMargin(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	var last Position
	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		cand := candidate(sym)
		cand.Leverage = 1
		p, err := h.c.Submit(ctx, cand)
		require.NoError(t, err)
		last = p
	}
	// two upsized equity positions hold about 30% of NAV in margin; a third
	// at 1x would take it to about 45%, past the 35% ceiling
	assert.Len(t, h.c.Positions(), 2)
	assert.Equal(t, StatusRejected, last.Status)
	assert.True(t, strings.HasPrefix(last.Reason, RejectGates), last.Reason)
	assert.Contains(t, last.Reason, "margin_cap_would_exceed")

	evs := h.events.Events(0, narration.GateRejected)
	require.Len(t, evs, 1)
	assert.Equal(t, []string{"margin"}, evs[0].Detail["blocked_by"])
	assert.Equal(t, 2, h.c.slots.inUse())
}

func TestConcurrencyCapUnderParallelSubmits(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	var wg sync.WaitGroup
	results := make(chan Position, len(equities))
	for sym := range equities {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			p, err := h.c.Submit(context.Background(), candidate(sym))
			assert.NoError(t, err)
			results <- p
		}(sym)
	}
	wg.Wait()
	close(results)

	open, rejected := 0, 0
	for p := range results {
		switch p.Status {
		case StatusOpen:
			open++
		case StatusRejected:
			rejected++
			assert.Contains(t, p.Reason, "max_concurrent_positions")
		}
	}
	assert.Equal(t, 3, open)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 3, h.c.slots.inUse())
	assert.Equal(t, 3, h.paper.OpenPositions())
}

func TestBreakerTripHaltsAndClosesEverything(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	a, err := h.c.Submit(ctx, candidate("AAPL"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, a.Status)
	m, err := h.c.Submit(ctx, candidate("MSFT"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, m.Status)

	// an external loss takes the session to exactly -5%
	d := h.breaker.Update(trade.Outcome{Symbol: "EUR_USD", PnL: -5000, PnLPct: -5})
	require.True(t, d.Halt)

	for _, id := range []string{a.ID, m.ID} {
		p := h.waitClosed(t, id)
		assert.Equal(t, CloseSessionBreaker, p.CloseReason)
	}
	assert.Equal(t, 0, h.c.slots.inUse())

	next, err := h.c.Submit(ctx, candidate("NVDA"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, next.Status)
	assert.True(t, strings.HasPrefix(next.Reason, RejectHalted))
	assert.Empty(t, h.events.Events(0, narration.GateRejected), "gates never run while halted")
	assert.NotEmpty(t, h.events.Events(0, narration.BreakerTripped))

	h.breaker.Reset("ops", "reviewed")
	again, err := h.c.Submit(ctx, candidate("NVDA"))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, again.Status)
}

func TestStartsHaltedFromBreaker(t *testing.T) {
	h := newHarness(t, harnessOpts{preHalt: true})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Contains(t, p.Reason, "pre-open halt")
	assert.Equal(t, true, h.c.Status()["halted"])
}

func TestMaxHoldDurationCloses(t *testing.T) {
	h := newHarness(t, harnessOpts{
		rules: func(c *rules.Config) { c.MaxHoldDuration = 80 * time.Millisecond },
	})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)

	closed := h.waitClosed(t, p.ID)
	assert.Equal(t, CloseMaxDuration, closed.CloseReason)
	assert.GreaterOrEqual(t, closed.ClosedAt.Sub(closed.OpenedAt), 80*time.Millisecond)
	assert.InDelta(t, 0, closed.PnL, 1e-9)
	assert.Equal(t, 1, h.breaker.State().Trades)
}

func TestTargetHitRecordsOutcome(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)

	h.paper.SetPrice("AAPL", 215)
	closed := h.waitClosed(t, p.ID)
	assert.Equal(t, CloseTargetHit, closed.CloseReason)
	assert.Equal(t, 214.80, closed.ExitPrice)
	assert.InDelta(t, 8*73, closed.PnL, 1e-6)

	assert.Len(t, h.sizer.History("AAPL"), 13)
	assert.InDelta(t, 584, h.breaker.State().RealizedPnL, 1e-6)

	got, err := h.journal.RecentOutcomes(context.Background(), "AAPL", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Win)
	assert.Len(t, h.events.Events(0, narration.TradeClosed), 1)
}

func TestStopHitOnShort(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cand := trade.Candidate{
		Symbol: "NVDA", Side: trade.Sell, Entry: 120, Stop: 122, Target: 112,
		Leverage: 20, Confidence: 0.9,
	}
	p, err := h.c.Submit(context.Background(), cand)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)

	h.paper.SetPrice("NVDA", 122.5)
	closed := h.waitClosed(t, p.ID)
	assert.Equal(t, CloseStopHit, closed.CloseReason)
	assert.Less(t, closed.PnL, 0.0)
}

func TestManualClose(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	p, err := h.c.Submit(context.Background(), candidate("MSFT"))
	require.NoError(t, err)
	require.NoError(t, h.c.Close(p.ID))

	closed := h.waitClosed(t, p.ID)
	assert.Equal(t, CloseManual, closed.CloseReason)
	assert.ErrorIs(t, h.c.Close(p.ID), ErrNotFound)
	assert.ErrorIs(t, h.c.Close("nope"), ErrNotFound)
}

func TestPlacementTimeoutReleasesSlot(t *testing.T) {
	h := newHarness(t, harnessOpts{
		rules: func(c *rules.Config) { c.MaxPlacementLatency = 30 * time.Millisecond },
		paper: func(c *broker.PaperConfig) {
			c.LatencyMin = 200 * time.Millisecond
			c.LatencyMax = 200 * time.Millisecond
		},
	})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.True(t, strings.HasPrefix(p.Reason, RejectBroker))
	assert.Contains(t, p.Reason, "deadline")
	assert.Equal(t, 0, h.c.slots.inUse())
	assert.Empty(t, h.c.Positions())
}

func TestBrokerRejectionReleasesSlot(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.paper.FailSubmit = func(broker.Order) error {
		return broker.NewPermanent("submit", broker.ErrRejected)
	}

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, p.Status)
	assert.Equal(t, 0, h.c.slots.inUse())
	assert.Len(t, h.events.Events(0, narration.TradeRejected), 1)
}

func TestEntryPassedAsLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{
		paper: func(c *broker.PaperConfig) { c.EntryToleranceBps = 10 },
	})
	var seen broker.Order
	h.paper.FailSubmit = func(o broker.Order) error {
		seen = o
		return nil
	}
	// the market ran 2% past the signal's entry
	h.paper.SetPrice("AAPL", 210.94)

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 206.80, seen.Entry)
	assert.Equal(t, StatusRejected, p.Status)
	assert.True(t, strings.HasPrefix(p.Reason, RejectBroker), p.Reason)
	assert.Contains(t, p.Reason, "past entry")
	assert.Equal(t, 0, h.c.slots.inUse())
	assert.Equal(t, 0, h.paper.OpenPositions())
}

func TestCloseFailureStillReleases(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.paper.FailClose = func(broker.Handle) error {
		return broker.NewPermanent("close", errors.New("venue offline"))
	}

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	require.NoError(t, h.c.Close(p.ID))

	closed := h.waitClosed(t, p.ID)
	assert.Equal(t, CloseBrokerError, closed.CloseReason)
	assert.Contains(t, closed.Reason, "venue offline")
	assert.Equal(t, 0, h.c.slots.inUse())
}

func TestShutdownClosesWithSessionEnd(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	p, err := h.c.Submit(context.Background(), candidate("AAPL"))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))

	closed, ok := h.c.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, CloseSessionEnd, closed.CloseReason)

	_, err = h.c.Submit(context.Background(), candidate("MSFT"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRunConsumesChannel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	in := make(chan trade.Candidate, 2)
	in <- candidate("AAPL")
	in <- candidate("MSFT")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx, in) }()

	require.Eventually(t, func() bool { return len(h.c.Positions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
