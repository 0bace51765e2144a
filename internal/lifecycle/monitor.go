package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// monitor supervises one OPEN position until something closes it
func (c *Controller) monitor(e *entry) {
	defer c.wg.Done()

	c.mu.Lock()
	opened := e.pos.OpenedAt
	c.mu.Unlock()

	remaining := c.rules.MaxHoldDuration() - time.Since(opened)
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var last float64
	for {
		halt := c.haltChan()
		select {
		case <-c.stop:
			c.closePosition(e, CloseSessionEnd, "controller shutdown", last)
			return
		case <-halt:
			_, reason := c.haltState()
			c.closePosition(e, CloseSessionBreaker, reason, last)
			return
		case <-deadline.C:
			c.closePosition(e, CloseMaxDuration, "max_hold_duration "+c.rules.MaxHoldDuration().String()+" elapsed", last)
			return
		case r := <-e.closeReq:
			c.closePosition(e, r, "operator request", last)
			return
		case <-ticker.C:
			reason, px, done := c.poll(e)
			if px > 0 {
				last = px
			}
			if done {
				c.closePosition(e, reason, "", last)
				return
			}
		}
	}
}

// poll fetches a price and reports whether a bracket level was crossed
func (c *Controller) poll(e *entry) (CloseReason, float64, bool) {
	c.mu.Lock()
	p := e.pos
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval)
	defer cancel()
	px, err := c.broker.GetPrice(ctx, p.Symbol)
	if err != nil {
		if !broker.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			observ.Error("price_poll_failed", err, map[string]any{"position_id": p.ID, "symbol": p.Symbol})
			return CloseBrokerError, 0, true
		}
		observ.IncCounter("price_poll_errors_total", map[string]string{"symbol": p.Symbol})
		return "", 0, false
	}

	mid := px.Mid()
	switch {
	case p.Side.Sign() > 0 && mid <= p.Stop, p.Side.Sign() < 0 && mid >= p.Stop:
		return CloseStopHit, mid, true
	case p.Side.Sign() > 0 && mid >= p.Target, p.Side.Sign() < 0 && mid <= p.Target:
		return CloseTargetHit, mid, true
	}
	return "", mid, false
}

// closePosition flattens at the broker, realizes P&L and reports the outcome.
// It is the only path from OPEN to CLOSED.
func (c *Controller) closePosition(e *entry, reason CloseReason, detail string, last float64) {
	c.mu.Lock()
	if e.pos.Status != StatusOpen {
		c.mu.Unlock()
		return
	}
	e.pos.moveTo(StatusClosing)
	h := e.pos.handle
	id := e.pos.ID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	fill, err := c.broker.CancelOrClose(ctx, h, string(reason))
	cancel()

	exit := fill.Price
	switch {
	case err != nil:
		observ.Error("close_failed", err, map[string]any{"position_id": id, "reason": reason})
		detail = "close failed: " + err.Error()
		reason = CloseBrokerError
		exit = last
	case fill.Reason == broker.ExitStop:
		reason = CloseStopHit
	case fill.Reason == broker.ExitTarget:
		reason = CloseTargetHit
	}
	if exit <= 0 {
		exit = h.FillPrice
	}

	// reportMu keeps history and breaker updates in close order
	c.reportMu.Lock()
	defer c.reportMu.Unlock()

	c.mu.Lock()
	e.pos.realize(exit)
	e.pos.ClosedAt = time.Now()
	e.pos.CloseReason = reason
	e.pos.Reason = detail
	e.pos.moveTo(StatusClosed)
	p := e.pos
	delete(c.active, id)
	c.pushRecent(p)
	c.mu.Unlock()
	c.slots.release()

	c.sizer.Record(p.Outcome())
	c.breaker.Update(p.Outcome())
	c.sizer.AdjustForDrawdown(c.breaker.State().Drawdown)

	jctx, jcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.journal.RecordTrade(jctx, tradeRecord(p)); err != nil {
		observ.Error("journal_record_failed", err, map[string]any{"position_id": p.ID})
	}
	jcancel()

	labels := map[string]string{"reason": string(reason)}
	observ.IncCounter("positions_closed_total", labels)
	observ.Observe("position_pnl", p.PnL, map[string]string{"symbol": p.Symbol})
	observ.RecordDuration("position_hold", p.ClosedAt.Sub(p.OpenedAt), nil)
	observ.Log("position_closed", map[string]any{
		"position_id":  p.ID,
		"symbol":       p.Symbol,
		"close_reason": reason,
		"exit_price":   p.ExitPrice,
		"pnl":          p.PnL,
		"pnl_pct":      p.PnLPct,
	})
	c.emit(narration.TradeClosed, p.Symbol, map[string]any{
		"position_id":  p.ID,
		"close_reason": string(reason),
		"entry":        p.FillPrice,
		"exit":         p.ExitPrice,
		"pnl":          p.PnL,
		"pnl_pct":      p.PnLPct,
		"held":         p.ClosedAt.Sub(p.OpenedAt).String(),
	})
}

func tradeRecord(p Position) journal.TradeRecord {
	return journal.TradeRecord{
		TradeID:     p.ID,
		CandidateID: p.CandidateID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Units:       p.Units,
		Notional:    p.Notional,
		Leverage:    p.Leverage,
		EntryPrice:  p.FillPrice,
		ExitPrice:   p.ExitPrice,
		OpenTime:    p.OpenedAt,
		CloseTime:   p.ClosedAt,
		RealizedPnL: p.PnL,
		PnLPct:      p.PnLPct,
		Reason:      string(p.CloseReason),
	}
}

// onBreakerEvent mirrors the breaker latch into the controller and fans
// the event out to narration and the journal.
func (c *Controller) onBreakerEvent(ev breaker.Event) {
	if ev.Kind == breaker.KindReset {
		c.setHalted(false, "")
		c.emit(narration.BreakerReset, "", map[string]any{
			"event_id": ev.ID,
			"action":   ev.Action,
			"user":     ev.UserID,
			"reason":   ev.Reason,
		})
	} else {
		c.setHalted(true, ev.Reason)
		c.emit(narration.BreakerTripped, "", map[string]any{
			"event_id": ev.ID,
			"kind":     string(ev.Kind),
			"reason":   ev.Reason,
			"pnl":      ev.PnL,
			"pnl_pct":  ev.PnLPct,
			"drawdown": ev.Drawdown,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.RecordBreakerEvent(ctx, ev); err != nil {
		observ.Error("journal_breaker_event_failed", err, map[string]any{"event_id": ev.ID})
	}
}

// setHalted closes the halt channel on the way into a halt and replaces it
// on the way out, so monitors selecting on it wake exactly once per trip.
func (c *Controller) setHalted(halted bool, reason string) {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	switch {
	case halted && !c.halted:
		c.halted = true
		c.haltReason = reason
		close(c.haltCh)
		observ.Warn("controller_halted", map[string]any{"reason": reason})
	case !halted && c.halted:
		c.halted = false
		c.haltReason = ""
		c.haltCh = make(chan struct{})
		observ.Log("controller_resumed", nil)
	}
}

func (c *Controller) haltState() (bool, string) {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.halted, c.haltReason
}

func (c *Controller) haltChan() <-chan struct{} {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return c.haltCh
}
