package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-core/internal/trade"
)

func quietPaper() *Paper {
	cfg := DefaultPaperConfig()
	cfg.Seed = 42
	cfg.LatencyMin, cfg.LatencyMax = 0, 0
	cfg.SlippageBpsMin, cfg.SlippageBpsMax = 0, 0
	cfg.SpreadBps = 0
	cfg.Volatility = 0
	return NewPaper(cfg)
}

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxAttempts: n, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransient("submit", errors.New("502")), true},
		{"permanent", NewPermanent("submit", ErrUnknownSymbol), false},
		{"untyped", errors.New("boom"), false},
		{"deadline inside transient", NewTransient("submit", context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestPaperEntryAndClose(t *testing.T) {
	p := quietPaper()
	ctx := context.Background()

	h, err := p.SubmitBracketOrder(ctx, Order{ID: "o1", Symbol: "EUR_USD", Side: trade.Buy, Units: 13637, Stop: 1.095, Target: 1.11})
	require.NoError(t, err)
	assert.Equal(t, 1.1, h.FillPrice)
	assert.Equal(t, 1, p.OpenPositions())

	// resubmitting the same id returns the existing fill
	again, err := p.SubmitBracketOrder(ctx, Order{ID: "o1", Symbol: "EUR_USD", Side: trade.Buy, Units: 13637})
	require.NoError(t, err)
	assert.Equal(t, h.BrokerRef, again.BrokerRef)

	p.SetPrice("EUR_USD", 1.102)
	f, err := p.CancelOrClose(ctx, h, "MANUAL")
	require.NoError(t, err)
	assert.Equal(t, "MANUAL", f.Reason)
	assert.Equal(t, 1.102, f.Price)
	assert.Equal(t, 0, p.OpenPositions())
}

func TestPaperBracketLegs(t *testing.T) {
	cases := []struct {
		name   string
		side   trade.Side
		move   float64
		reason string
		price  float64
	}{
		{"buy target", trade.Buy, 1.1105, ExitTarget, 1.11},
		{"buy stop", trade.Buy, 1.0940, ExitStop, 1.095},
		{"sell target", trade.Sell, 1.0890, ExitTarget, 1.09},
		{"sell stop", trade.Sell, 1.1060, ExitStop, 1.105},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := quietPaper()
			o := Order{ID: "o", Symbol: "EUR_USD", Side: tc.side, Units: 1000, Stop: 1.095, Target: 1.11}
			if tc.side == trade.Sell {
				o.Stop, o.Target = 1.105, 1.09
			}
			h, err := p.SubmitBracketOrder(context.Background(), o)
			require.NoError(t, err)

			p.SetPrice("EUR_USD", tc.move)
			f, err := p.CancelOrClose(context.Background(), h, "MANUAL")
			require.NoError(t, err)
			assert.Equal(t, tc.reason, f.Reason)
			assert.Equal(t, tc.price, f.Price)
		})
	}
}

func TestPaperErrors(t *testing.T) {
	p := quietPaper()
	ctx := context.Background()

	_, err := p.SubmitBracketOrder(ctx, Order{ID: "x", Symbol: "NOPE", Side: trade.Buy, Units: 1})
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.False(t, IsTransient(err))

	_, err = p.SubmitBracketOrder(ctx, Order{ID: "x", Symbol: "EUR_USD", Side: trade.Buy, Units: 0})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = p.CancelOrClose(ctx, Handle{OrderID: "missing"}, "MANUAL")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = p.GetPrice(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestPaperHonoursDeadline(t *testing.T) {
	cfg := DefaultPaperConfig()
	cfg.LatencyMin, cfg.LatencyMax = 200*time.Millisecond, 200*time.Millisecond
	p := NewPaper(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.SubmitBracketOrder(ctx, Order{ID: "slow", Symbol: "EUR_USD", Side: trade.Buy, Units: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.OpenPositions())
}

func TestPaperSlippageAndRounding(t *testing.T) {
	cfg := DefaultPaperConfig()
	cfg.Seed = 7
	cfg.LatencyMin, cfg.LatencyMax = 0, 0
	cfg.SlippageBpsMin, cfg.SlippageBpsMax = 10, 10
	cfg.SpreadBps = 0
	cfg.Volatility = 0
	p := NewPaper(cfg)

	h, err := p.SubmitBracketOrder(context.Background(), Order{ID: "b", Symbol: "EUR_USD", Side: trade.Buy, Units: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.1011, h.FillPrice)

	h, err = p.SubmitBracketOrder(context.Background(), Order{ID: "j", Symbol: "USD_JPY", Side: trade.Sell, Units: 1})
	require.NoError(t, err)
	assert.Equal(t, 149.85, h.FillPrice)
}

func TestPaperEntryIsALimit(t *testing.T) {
	cases := []struct {
		name  string
		side  trade.Side
		entry float64
		ok    bool
	}{
		{"buy at entry", trade.Buy, 1.1000, true},
		{"buy inside tolerance", trade.Buy, 1.0995, true},
		{"buy chasing the market", trade.Buy, 1.0950, false},
		{"buy limit above the market fills at market", trade.Buy, 1.1200, true},
		{"sell inside tolerance", trade.Sell, 1.1005, true},
		{"sell chasing the market", trade.Sell, 1.1050, false},
		{"no entry takes the market", trade.Buy, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPaperConfig()
			cfg.Seed = 42
			cfg.LatencyMin, cfg.LatencyMax = 0, 0
			cfg.SlippageBpsMin, cfg.SlippageBpsMax = 0, 0
			cfg.SpreadBps = 0
			cfg.Volatility = 0
			cfg.EntryToleranceBps = 10
			p := NewPaper(cfg)

			h, err := p.SubmitBracketOrder(context.Background(), Order{ID: "e", Symbol: "EUR_USD", Side: tc.side, Units: 1000, Entry: tc.entry})
			if !tc.ok {
				assert.ErrorIs(t, err, ErrRejected)
				assert.False(t, IsTransient(err))
				assert.Equal(t, 0, p.OpenPositions())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1.1, h.FillPrice)
		})
	}
}

func TestRetryingRetriesTransientOnly(t *testing.T) {
	p := quietPaper()
	var calls int32
	p.FailPrice = func(string) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return NewTransient("price", errors.New("503"))
		}
		return nil
	}
	r := NewRetrying(p, RetryingConfig{Price: fastRetry(4)})

	px, err := r.GetPrice(context.Background(), "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1, px.Mid())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, 0)
	p.FailSubmit = func(Order) error {
		atomic.AddInt32(&calls, 1)
		return NewPermanent("submit", ErrRejected)
	}
	r = NewRetrying(p, RetryingConfig{Submit: fastRetry(4)})
	_, err = r.SubmitBracketOrder(context.Background(), Order{ID: "z", Symbol: "EUR_USD", Side: trade.Buy, Units: 1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	p := quietPaper()
	var calls int32
	p.FailClose = func(Handle) error {
		atomic.AddInt32(&calls, 1)
		return NewTransient("close", errors.New("timeout"))
	}
	h, err := p.SubmitBracketOrder(context.Background(), Order{ID: "c", Symbol: "EUR_USD", Side: trade.Buy, Units: 1})
	require.NoError(t, err)

	r := NewRetrying(p, RetryingConfig{Close: fastRetry(3), RatePerSec: 1000, Burst: 10})
	_, err = r.CancelOrClose(context.Background(), h, "MANUAL")
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFactor: 0.1}
	cfg.normalize()
	for attempt := 0; attempt < 10; attempt++ {
		d := cfg.delay(attempt)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
	}
}
