package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-core/internal/ids"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// PaperConfig drives the simulated venue
type PaperConfig struct {
	Seed           int64              `yaml:"seed"` // 0 uses the clock
	LatencyMin     time.Duration      `yaml:"latency_min"`
	LatencyMax     time.Duration      `yaml:"latency_max"`
	SlippageBpsMin int                `yaml:"slippage_bps_min"`
	SlippageBpsMax int                `yaml:"slippage_bps_max"`
	SpreadBps      float64            `yaml:"spread_bps"`
	Volatility     float64            `yaml:"volatility"` // per-quote stddev as a fraction; 0 freezes prices
	Prices         map[string]float64 `yaml:"prices"`

	// EntryToleranceBps is how far past Order.Entry an entry may fill
	EntryToleranceBps float64 `yaml:"entry_tolerance_bps"`
}

// DefaultPaperConfig seeds a handful of FX, crypto and equity symbols
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		LatencyMin:        10 * time.Millisecond,
		LatencyMax:        60 * time.Millisecond,
		SlippageBpsMin:    0,
		SlippageBpsMax:    2,
		SpreadBps:         1,
		Volatility:        0.0005,
		EntryToleranceBps: 10,
		Prices: map[string]float64{
			"EUR_USD": 1.1000,
			"GBP_USD": 1.2700,
			"USD_JPY": 150.00,
			"AUD_USD": 0.6600,
			"BTC-USD": 60000,
			"ETH-USD": 3000,
			"AAPL":    206.80,
			"MSFT":    415.75,
		},
	}
}

type paperPosition struct {
	handle Handle
	order  Order
	exit   *Fill
}

// Paper is an in-memory broker with random-walk prices and bracket legs
// that fill when a quote crosses the stop or target.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	rng       *rand.Rand
	prices    map[string]float64
	positions map[string]*paperPosition

	// failure hooks; a non-nil error is returned instead of executing
	FailSubmit func(Order) error
	FailClose  func(Handle) error
	FailPrice  func(symbol string) error
}

var _ Broker = (*Paper)(nil)

func NewPaper(cfg PaperConfig) *Paper {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMax = cfg.LatencyMin
	}
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	prices := make(map[string]float64, len(cfg.Prices))
	for s, p := range cfg.Prices {
		prices[s] = p
	}
	return &Paper{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		prices:    prices,
		positions: make(map[string]*paperPosition),
	}
}

// SetPrice moves a symbol's mid and fires any bracket legs it crosses
func (p *Paper) SetPrice(symbol string, mid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = mid
	p.checkBrackets(symbol, mid, time.Now())
}

// OpenPositions counts entries without an exit
func (p *Paper) OpenPositions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pos := range p.positions {
		if pos.exit == nil {
			n++
		}
	}
	return n
}

func (p *Paper) SubmitBracketOrder(ctx context.Context, o Order) (Handle, error) {
	const op = "submit"
	if o.Units <= 0 {
		return Handle{}, NewPermanent(op, fmt.Errorf("%w: units must be positive", ErrRejected))
	}
	if !o.Side.Valid() {
		return Handle{}, NewPermanent(op, fmt.Errorf("%w: side %q", ErrRejected, o.Side))
	}
	if hook := p.FailSubmit; hook != nil {
		if err := hook(o); err != nil {
			return Handle{}, err
		}
	}

	p.mu.Lock()
	if pos, ok := p.positions[o.ID]; ok && o.ID != "" {
		p.mu.Unlock()
		return pos.handle, nil
	}
	if _, ok := p.prices[o.Symbol]; !ok {
		p.mu.Unlock()
		return Handle{}, NewPermanent(op, fmt.Errorf("%w: %s", ErrUnknownSymbol, o.Symbol))
	}
	latency := p.latency()
	p.mu.Unlock()

	if err := sleepCtx(ctx, latency); err != nil {
		return Handle{}, NewTransient(op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	mid := p.prices[o.Symbol]
	price, bps := p.slipped(o.Symbol, mid, o.Side)
	if o.Entry > 0 && pastEntry(price, o.Entry, o.Side, p.cfg.EntryToleranceBps) {
		observ.IncCounter("paper_entry_rejections_total", map[string]string{"symbol": o.Symbol})
		observ.Warn("paper_entry_past_limit", map[string]any{
			"order_id":      o.ID,
			"symbol":        o.Symbol,
			"side":          o.Side,
			"entry":         o.Entry,
			"price":         price,
			"tolerance_bps": p.cfg.EntryToleranceBps,
		})
		return Handle{}, NewPermanent(op, fmt.Errorf("%w: fill %v is past entry %v by more than %.1f bps",
			ErrRejected, price, o.Entry, p.cfg.EntryToleranceBps))
	}
	h := Handle{
		OrderID:   o.ID,
		BrokerRef: ids.Prefixed("paper"),
		Symbol:    o.Symbol,
		Side:      o.Side,
		Units:     o.Units,
		FillPrice: price,
		FilledAt:  time.Now().UTC(),
	}
	key := o.ID
	if key == "" {
		key = h.BrokerRef
		h.OrderID = key
	}
	p.positions[key] = &paperPosition{handle: h, order: o}

	observ.IncCounter("paper_fills_total", map[string]string{"kind": "entry"})
	observ.Log("paper_entry_filled", map[string]any{
		"order_id":     h.OrderID,
		"symbol":       o.Symbol,
		"side":         o.Side,
		"units":        o.Units,
		"price":        price,
		"slippage_bps": bps,
	})
	return h, nil
}

func (p *Paper) CancelOrClose(ctx context.Context, h Handle, reason string) (Fill, error) {
	const op = "close"
	p.mu.Lock()
	pos, ok := p.positions[h.OrderID]
	if !ok {
		p.mu.Unlock()
		return Fill{}, NewPermanent(op, fmt.Errorf("%w: %s", ErrUnknownOrder, h.OrderID))
	}
	if pos.exit != nil {
		f := *pos.exit
		p.mu.Unlock()
		return f, nil
	}
	latency := p.latency()
	p.mu.Unlock()

	if hook := p.FailClose; hook != nil {
		if err := hook(h); err != nil {
			return Fill{}, err
		}
	}
	if err := sleepCtx(ctx, latency); err != nil {
		return Fill{}, NewTransient(op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.exit != nil {
		return *pos.exit, nil
	}
	price, bps := p.slipped(h.Symbol, p.prices[h.Symbol], opposite(h.Side))
	f := Fill{
		OrderID:     h.OrderID,
		Symbol:      h.Symbol,
		Units:       h.Units,
		Price:       price,
		Reason:      reason,
		Time:        time.Now().UTC(),
		SlippageBps: bps,
	}
	pos.exit = &f
	observ.IncCounter("paper_fills_total", map[string]string{"kind": "exit"})
	return f, nil
}

func (p *Paper) GetPrice(ctx context.Context, symbol string) (Price, error) {
	const op = "price"
	if err := ctx.Err(); err != nil {
		return Price{}, NewTransient(op, err)
	}
	if hook := p.FailPrice; hook != nil {
		if err := hook(symbol); err != nil {
			return Price{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	mid, ok := p.prices[symbol]
	if !ok {
		return Price{}, NewPermanent(op, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol))
	}
	if p.cfg.Volatility > 0 {
		mid *= 1 + p.rng.NormFloat64()*p.cfg.Volatility
		mid = roundPrice(symbol, mid)
		p.prices[symbol] = mid
	}
	now := time.Now().UTC()
	p.checkBrackets(symbol, mid, now)

	half := mid * p.cfg.SpreadBps / 20000
	return Price{
		Symbol: symbol,
		Bid:    roundPrice(symbol, mid-half),
		Ask:    roundPrice(symbol, mid+half),
		Time:   now,
	}, nil
}

// checkBrackets must be called with mu held
func (p *Paper) checkBrackets(symbol string, mid float64, now time.Time) {
	for _, pos := range p.positions {
		if pos.exit != nil || pos.handle.Symbol != symbol {
			continue
		}
		o := pos.order
		var reason string
		var price float64
		switch o.Side {
		case trade.Buy:
			if o.Stop > 0 && mid <= o.Stop {
				reason, price = ExitStop, o.Stop
			} else if o.Target > 0 && mid >= o.Target {
				reason, price = ExitTarget, o.Target
			}
		case trade.Sell:
			if o.Stop > 0 && mid >= o.Stop {
				reason, price = ExitStop, o.Stop
			} else if o.Target > 0 && mid <= o.Target {
				reason, price = ExitTarget, o.Target
			}
		}
		if reason == "" {
			continue
		}
		pos.exit = &Fill{
			OrderID: pos.handle.OrderID,
			Symbol:  symbol,
			Units:   pos.handle.Units,
			Price:   price,
			Reason:  reason,
			Time:    now,
		}
		observ.IncCounter("paper_fills_total", map[string]string{"kind": strings.ToLower(reason)})
	}
}

// latency must be called with mu held
func (p *Paper) latency() time.Duration {
	span := p.cfg.LatencyMax - p.cfg.LatencyMin
	if span <= 0 {
		return p.cfg.LatencyMin
	}
	return p.cfg.LatencyMin + time.Duration(p.rng.Int63n(int64(span)+1))
}

// slipped must be called with mu held. Buys pay up, sells give up.
func (p *Paper) slipped(symbol string, mid float64, side trade.Side) (float64, int) {
	bps := p.cfg.SlippageBpsMin
	if span := p.cfg.SlippageBpsMax - p.cfg.SlippageBpsMin; span > 0 {
		bps += p.rng.Intn(span + 1)
	}
	cost := p.cfg.SpreadBps/2 + float64(bps)
	m := decimal.NewFromFloat(1).Add(decimal.NewFromFloat(cost).Div(decimal.NewFromInt(10000)))
	price := decimal.NewFromFloat(mid)
	if side == trade.Buy {
		price = price.Mul(m)
	} else {
		price = price.Div(m)
	}
	f, _ := price.Round(precision(symbol)).Float64()
	return f, bps
}

// pastEntry reports whether a fill is worse than entry by more than tolBps:
// above it for a buy, below it for a sell
func pastEntry(price, entry float64, side trade.Side, tolBps float64) bool {
	slack := entry * tolBps / 10000
	if side == trade.Buy {
		return price > entry+slack
	}
	return price < entry-slack
}

func opposite(s trade.Side) trade.Side {
	if s == trade.Buy {
		return trade.Sell
	}
	return trade.Buy
}

// precision is the quote decimals per market convention
func precision(symbol string) int32 {
	switch trade.ClassOf(symbol) {
	case trade.FX:
		if strings.Contains(symbol, "JPY") {
			return 3
		}
		return 5
	default:
		return 2
	}
}

func roundPrice(symbol string, v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(precision(symbol)).Float64()
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
