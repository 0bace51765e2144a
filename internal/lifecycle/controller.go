// Package lifecycle drives each trade candidate through validation, sizing,
// placement, supervision and close, and halts everything when the session
// breaker trips.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/gates"
	"github.com/Rajchodisetti/trading-core/internal/ids"
	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Config holds controller tunables; hard limits come from the RuleSet
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
	Capital      float64       `yaml:"capital"`
	RecentLimit  int           `yaml:"recent_limit"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		CloseTimeout: 30 * time.Second,
		Capital:      100000,
		RecentLimit:  200,
	}
}

// Deps are the collaborators the controller orchestrates. Sink and Journal
// are optional.
type Deps struct {
	Rules   *rules.RuleSet
	Gates   *gates.Pipeline
	Sizer   *sizing.Sizer
	Breaker *breaker.Breaker
	Broker  broker.Broker
	Sink    narration.Sink
	Journal journal.Journal
}

var (
	ErrShutdown = errors.New("lifecycle: controller is shut down")
	ErrNotFound = errors.New("lifecycle: position not found")
	ErrNotOpen  = errors.New("lifecycle: position is not open")
)

// Rejection codes prefixed onto Position.Reason
const (
	RejectInvalid     = "invalid_candidate"
	RejectHalted      = "session_halted"
	RejectGates       = "gates"
	RejectSizing      = "sizing"
	RejectRiskReward  = "min_risk_reward"
	RejectNotional    = "min_notional"
	RejectExpectedPnL = "min_expected_pnl"
	RejectConcurrency = "concurrency"
	RejectBroker      = "broker"
	RejectShutdown    = "shutdown"
)

type entry struct {
	pos      Position
	closeReq chan CloseReason
}

type dailyCounter struct {
	day string
	n   int
}

func (d *dailyCounter) count(now time.Time) int {
	if d.day != now.UTC().Format("2006-01-02") {
		return 0
	}
	return d.n
}

func (d *dailyCounter) inc(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if d.day != day {
		d.day, d.n = day, 0
	}
	d.n++
}

// Controller owns every position from intake to a terminal status. The
// active map and statuses are guarded by mu; the concurrency cap lives in
// slots; outcome reporting is serialized by reportMu so per-symbol history
// is applied in close order.
type Controller struct {
	cfg     Config
	rules   *rules.RuleSet
	gates   *gates.Pipeline
	sizer   *sizing.Sizer
	breaker *breaker.Breaker
	broker  broker.Broker
	sink    narration.Sink
	journal journal.Journal
	slots   *slotPool

	mu     sync.Mutex
	active map[string]*entry
	recent []Position
	daily  dailyCounter
	closed bool

	haltMu     sync.Mutex
	haltCh     chan struct{}
	halted     bool
	haltReason string

	reportMu sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Rules == nil:
		return nil, errors.New("lifecycle: nil ruleset")
	case deps.Gates == nil:
		return nil, errors.New("lifecycle: nil gate pipeline")
	case deps.Sizer == nil:
		return nil, errors.New("lifecycle: nil sizer")
	case deps.Breaker == nil:
		return nil, errors.New("lifecycle: nil breaker")
	case deps.Broker == nil:
		return nil, errors.New("lifecycle: nil broker")
	}
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = d.CloseTimeout
	}
	if cfg.Capital <= 0 {
		cfg.Capital = d.Capital
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = d.RecentLimit
	}
	if deps.Sink == nil {
		deps.Sink = narration.Nop{}
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}

	c := &Controller{
		cfg:     cfg,
		rules:   deps.Rules,
		gates:   deps.Gates,
		sizer:   deps.Sizer,
		breaker: deps.Breaker,
		broker:  deps.Broker,
		sink:    deps.Sink,
		journal: deps.Journal,
		slots:   newSlotPool(deps.Rules.MaxConcurrentPositions()),
		active:  make(map[string]*entry),
		haltCh:  make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.breaker.Subscribe(c.onBreakerEvent)
	if c.breaker.Halted() {
		st := c.breaker.State()
		c.setHalted(true, st.TriggerReason)
	}
	return c, nil
}

// Submit runs one candidate through the pipeline. Rejections are returned
// as a REJECTED position with a nil error; the error is reserved for a
// controller that no longer accepts work.
func (c *Controller) Submit(ctx context.Context, cand trade.Candidate) (Position, error) {
	now := time.Now()
	p := Position{
		ID:          ids.Prefixed("pos"),
		CandidateID: cand.ID,
		Symbol:      cand.Symbol,
		Side:        cand.Side,
		Entry:       cand.Entry,
		Stop:        cand.Stop,
		Target:      cand.Target,
		Leverage:    cand.EffectiveLeverage(),
		RiskReward:  cand.RiskReward(),
		Status:      StatusPendingValidation,
		CreatedAt:   now,
	}
	observ.IncCounter("candidates_total", nil)

	if c.isClosed() {
		return c.reject(p, RejectShutdown, "controller is shut down"), ErrShutdown
	}
	if err := cand.Validate(); err != nil {
		return c.reject(p, RejectInvalid, err.Error()), nil
	}

	// the latch is checked before any gate runs
	if d := c.breaker.Check(); d.Halt {
		c.setHalted(true, d.Reason)
		return c.reject(p, RejectHalted, d.Reason), nil
	}
	if halted, reason := c.haltState(); halted {
		return c.reject(p, RejectHalted, reason), nil
	}

	snap := c.snapshot(now)
	dec := c.gates.Evaluate(cand, snap)
	if !dec.Approved {
		return c.rejectGates(p, dec), nil
	}

	if !c.rules.ValidateRiskReward(p.RiskReward) {
		return c.reject(p, RejectRiskReward, fmt.Sprintf("risk_reward %.2f below min_risk_reward %.2f",
			p.RiskReward, c.rules.MinRiskReward())), nil
	}

	res := c.sizer.Calculate(sizing.Request{
		Symbol:     cand.Symbol,
		Class:      cand.Class(),
		Price:      cand.Entry,
		Confidence: cand.Confidence,
		Regime:     cand.Regime,
		Balance:    snap.NAV,
	})
	if res.Zero() {
		reason := res.Reasoning
		if res.Err != "" {
			reason = res.Err
		}
		return c.reject(p, RejectSizing, reason), nil
	}
	p.Units = res.Units
	p.Notional = res.Notional
	p.Upsized = res.Upsized
	if res.Upsized {
		c.emit(narration.PositionUpsized, p.Symbol, map[string]any{
			"position_id":  p.ID,
			"units":        res.Units,
			"notional":     res.Notional,
			"min_notional": c.rules.MinNotional(),
			"reasoning":    res.Reasoning,
		})
	}

	// margin is projected from the sized notional, not the candidate's hint
	cand.Notional = res.Notional
	if dec := c.gates.Resized(cand, c.snapshot(time.Now())); !dec.Approved {
		return c.rejectGates(p, dec), nil
	}

	if !c.rules.ValidateNotional(p.Notional) {
		return c.reject(p, RejectNotional, fmt.Sprintf("notional %.2f below min_notional %.2f",
			p.Notional, c.rules.MinNotional())), nil
	}
	expected := math.Abs(p.Target-p.Entry) * p.Units
	if !c.rules.ValidateExpectedPnL(expected) {
		return c.reject(p, RejectExpectedPnL, fmt.Sprintf("expected_pnl %.2f below min_expected_pnl %.2f",
			expected, c.rules.MinExpectedPnL())), nil
	}
	p.moveTo(StatusValidated)

	return c.place(ctx, p)
}

// place reserves a slot and submits the bracket order under the placement deadline
func (c *Controller) place(ctx context.Context, p Position) (Position, error) {
	if halted, reason := c.haltState(); halted {
		return c.reject(p, RejectHalted, reason), nil
	}
	if !c.slots.tryReserve() {
		limit := c.rules.MaxConcurrentPositions()
		return c.reject(p, RejectConcurrency, fmt.Sprintf("max_concurrent_positions reached (%d/%d)",
			c.slots.inUse(), limit)), nil
	}
	if n := c.slots.inUse(); n > c.rules.MaxConcurrentPositions() {
		invariant("%d slots in use, cap %d", n, c.rules.MaxConcurrentPositions())
	}

	e := &entry{closeReq: make(chan CloseReason, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.slots.release()
		return c.reject(p, RejectShutdown, "controller is shut down"), ErrShutdown
	}
	p.moveTo(StatusSubmitted)
	e.pos = p
	c.active[p.ID] = e
	c.daily.inc(time.Now())
	c.wg.Add(1)
	c.mu.Unlock()

	order := broker.Order{ID: p.ID, Symbol: p.Symbol, Side: p.Side, Units: p.Units, Entry: p.Entry, Stop: p.Stop, Target: p.Target}
	limit := c.rules.MaxPlacementLatency()
	pctx, cancel := context.WithTimeout(ctx, limit)
	start := time.Now()
	h, err := c.broker.SubmitBracketOrder(pctx, order)
	latency := time.Since(start)
	cancel()
	observ.RecordDuration("placement_latency", latency, nil)

	if err == nil && latency > limit {
		// the broker ignored the deadline; the fill exists but is too late to trust
		err = fmt.Errorf("placement took %s, limit %s", latency, limit)
		go c.flatten(h, "late fill")
	} else if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("placement deadline %s exceeded: %w", limit, err)
		go c.flatten(broker.Handle{OrderID: order.ID, Symbol: order.Symbol, Side: order.Side, Units: order.Units}, "placement timeout")
	}
	if err != nil {
		defer c.wg.Done()
		return c.abandon(e, err), nil
	}

	c.mu.Lock()
	e.pos.handle = h
	e.pos.FillPrice = h.FillPrice
	e.pos.OpenedAt = time.Now()
	e.pos.moveTo(StatusOpen)
	opened := e.pos
	c.mu.Unlock()

	observ.IncCounter("positions_opened_total", map[string]string{"symbol": opened.Symbol})
	observ.Log("position_opened", map[string]any{
		"position_id": opened.ID,
		"symbol":      opened.Symbol,
		"side":        opened.Side,
		"units":       opened.Units,
		"fill_price":  opened.FillPrice,
		"latency_ms":  latency.Milliseconds(),
	})
	c.emit(narration.TradeOpened, opened.Symbol, map[string]any{
		"position_id": opened.ID,
		"side":        string(opened.Side),
		"units":       opened.Units,
		"notional":    opened.Notional,
		"fill_price":  opened.FillPrice,
		"stop":        opened.Stop,
		"target":      opened.Target,
	})

	go c.monitor(e)
	return opened, nil
}

// abandon rejects a submitted position whose placement failed and frees its slot
func (c *Controller) abandon(e *entry, err error) Position {
	c.mu.Lock()
	e.pos.moveTo(StatusRejected)
	e.pos.Reason = RejectBroker + ": " + err.Error()
	delete(c.active, e.pos.ID)
	p := e.pos
	c.pushRecent(p)
	c.mu.Unlock()
	c.slots.release()

	observ.IncCounter("candidates_rejected_total", map[string]string{"reason": RejectBroker})
	observ.Warn("placement_failed", map[string]any{"position_id": p.ID, "symbol": p.Symbol, "error": err.Error()})
	c.emit(narration.TradeRejected, p.Symbol, map[string]any{"position_id": p.ID, "reason": p.Reason})
	return p
}

// flatten closes a fill the controller decided not to keep
func (c *Controller) flatten(h broker.Handle, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	defer cancel()
	if _, err := c.broker.CancelOrClose(ctx, h, why); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
		observ.IncCounter("orphan_cleanup_errors_total", nil)
		observ.Error("orphan_cleanup_failed", err, map[string]any{"order_id": h.OrderID, "why": why})
	}
}

func (c *Controller) reject(p Position, code, reason string) Position {
	p.moveTo(StatusRejected)
	p.Reason = code + ": " + reason
	c.mu.Lock()
	c.pushRecent(p)
	c.mu.Unlock()

	observ.IncCounter("candidates_rejected_total", map[string]string{"reason": code})
	observ.Log("candidate_rejected", map[string]any{"position_id": p.ID, "symbol": p.Symbol, "reason": p.Reason})
	c.emit(narration.TradeRejected, p.Symbol, map[string]any{
		"position_id":  p.ID,
		"candidate_id": p.CandidateID,
		"code":         code,
		"reason":       reason,
	})
	return p
}

func (c *Controller) rejectGates(p Position, d gates.Decision) Position {
	p.moveTo(StatusRejected)
	p.Reason = RejectGates + ": " + d.Reason()
	c.mu.Lock()
	c.pushRecent(p)
	c.mu.Unlock()

	observ.IncCounter("candidates_rejected_total", map[string]string{"reason": RejectGates})
	observ.Log("candidate_rejected", map[string]any{"position_id": p.ID, "symbol": p.Symbol, "blocked_by": d.BlockedBy})
	c.emit(narration.GateRejected, p.Symbol, map[string]any{
		"position_id":  p.ID,
		"candidate_id": p.CandidateID,
		"blocked_by":   d.BlockedBy,
		"reasons":      d.Reasons(),
	})
	return p
}

// snapshot builds the gate view: open and reserved positions plus account figures
func (c *Controller) snapshot(now time.Time) gates.Snapshot {
	c.mu.Lock()
	exposures := make([]gates.Exposure, 0, len(c.active))
	var margin float64
	for _, e := range c.active {
		n := e.pos.Exposure()
		exposures = append(exposures, gates.Exposure{Symbol: e.pos.Symbol, Side: e.pos.Side, Notional: n})
		lev := e.pos.Leverage
		if lev <= 0 {
			lev = 1
		}
		margin += n / lev
	}
	daily := c.daily.count(now)
	c.mu.Unlock()

	sort.Slice(exposures, func(i, j int) bool { return exposures[i].Symbol < exposures[j].Symbol })
	return gates.Snapshot{
		NAV:         c.cfg.Capital + c.breaker.State().RealizedPnL,
		MarginUsed:  margin,
		Positions:   exposures,
		OpenCount:   c.slots.inUse(),
		DailyTrades: daily,
		Now:         now,
	}
}

// pushRecent must be called with mu held
func (c *Controller) pushRecent(p Position) {
	c.recent = append(c.recent, p)
	if len(c.recent) > c.cfg.RecentLimit {
		c.recent = c.recent[len(c.recent)-c.cfg.RecentLimit:]
	}
}

func (c *Controller) emit(kind narration.Kind, symbol string, detail map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			observ.IncCounter("narration_panics_total", nil)
		}
	}()
	c.sink.Emit(narration.New(kind, symbol, detail))
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close asks the monitor of an OPEN position to close it with reason MANUAL
func (c *Controller) Close(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.active[id]
	if !ok {
		return ErrNotFound
	}
	if e.pos.Status != StatusOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, e.pos.Status)
	}
	select {
	case e.closeReq <- CloseManual:
	default:
	}
	return nil
}

// Positions returns copies of every non-terminal position, oldest first
func (c *Controller) Positions() []Position {
	c.mu.Lock()
	out := make([]Position, 0, len(c.active))
	for _, e := range c.active {
		out = append(out, e.pos)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recent returns up to n terminal positions, oldest first
func (c *Controller) Recent(n int) []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.recent
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]Position, len(src))
	copy(out, src)
	return out
}

// Get finds a position by id among active and recent ones
func (c *Controller) Get(id string) (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.active[id]; ok {
		return e.pos, true
	}
	for i := len(c.recent) - 1; i >= 0; i-- {
		if c.recent[i].ID == id {
			return c.recent[i], true
		}
	}
	return Position{}, false
}

// Status summarises the controller for operators
func (c *Controller) Status() map[string]any {
	halted, reason := c.haltState()
	c.mu.Lock()
	open := 0
	for _, e := range c.active {
		if e.pos.Status == StatusOpen {
			open++
		}
	}
	active := len(c.active)
	daily := c.daily.count(time.Now())
	closed := c.closed
	c.mu.Unlock()

	return map[string]any{
		"halted":                   halted,
		"halt_reason":              reason,
		"open_positions":           open,
		"active_positions":         active,
		"slots_in_use":             c.slots.inUse(),
		"max_concurrent_positions": c.rules.MaxConcurrentPositions(),
		"daily_trades":             daily,
		"shut_down":                closed,
	}
}

// Shutdown stops intake, closes every open position with SESSION_END and
// waits for monitors to finish or ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		observ.Log("controller_shutdown", map[string]any{"recent": len(c.Recent(0))})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes candidates and drives the periodic breaker check until ctx
// ends. Candidates are processed one at a time in arrival order.
func (c *Controller) Run(ctx context.Context, in <-chan trade.Candidate) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if _, err := c.Submit(ctx, cand); errors.Is(err, ErrShutdown) {
				return err
			}
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	d := c.breaker.Check()
	c.setHalted(d.Halt, d.Reason)
	st := c.Status()
	observ.SetGauge("open_positions", float64(st["open_positions"].(int)), nil)
	observ.SetGauge("slots_in_use", float64(c.slots.inUse()), nil)
}
