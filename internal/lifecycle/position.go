package lifecycle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/trading-core/internal/broker"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Status is a position's place in the lifecycle
type Status string

const (
	StatusPendingValidation Status = "PENDING_VALIDATION"
	StatusValidated         Status = "VALIDATED"
	StatusRejected          Status = "REJECTED"
	StatusSubmitted         Status = "SUBMITTED"
	StatusOpen              Status = "OPEN"
	StatusClosing           Status = "CLOSING"
	StatusClosed            Status = "CLOSED"
)

// Terminal reports REJECTED and CLOSED
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusClosed }

var transitions = map[Status][]Status{
	StatusPendingValidation: {StatusValidated, StatusRejected},
	StatusValidated:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:         {StatusOpen, StatusRejected},
	StatusOpen:              {StatusClosing},
	StatusClosing:           {StatusClosed},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CloseReason says why a position left OPEN
type CloseReason string

const (
	CloseTargetHit      CloseReason = "TARGET_HIT"
	CloseStopHit        CloseReason = "STOP_HIT"
	CloseMaxDuration    CloseReason = "MAX_DURATION"
	CloseSessionBreaker CloseReason = "SESSION_BREAKER"
	CloseSessionEnd     CloseReason = "SESSION_END"
	CloseBrokerError    CloseReason = "BROKER_ERROR"
	CloseManual         CloseReason = "MANUAL"
)

// Position is the controller's record of one candidate from intake to a
// terminal status. Callers only ever see copies.
type Position struct {
	ID          string      `json:"id"`
	CandidateID string      `json:"candidate_id,omitempty"`
	Symbol      string      `json:"symbol"`
	Side        trade.Side  `json:"side"`
	Entry       float64     `json:"entry"`
	Stop        float64     `json:"stop"`
	Target      float64     `json:"target"`
	Units       float64     `json:"units"`
	Notional    float64     `json:"notional"`
	Leverage    float64     `json:"leverage"`
	RiskReward  float64     `json:"risk_reward"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	OpenedAt    time.Time   `json:"opened_at,omitempty"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`
	FillPrice   float64     `json:"fill_price,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	PnL         float64     `json:"pnl"`
	PnLPct      float64     `json:"pnl_pct"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	Reason      string      `json:"reason,omitempty"` // rejection or close detail
	Upsized     bool        `json:"upsized,omitempty"`

	handle broker.Handle
}

// Exposure is the notional the gates should count for this position
func (p Position) Exposure() float64 {
	if p.Notional > 0 {
		return p.Notional
	}
	return p.Units * p.Entry
}

// realize computes P&L for an exit price against the entry fill
func (p *Position) realize(exit float64) {
	entry := p.FillPrice
	if entry == 0 {
		entry = p.Entry
	}
	p.ExitPrice = exit
	units := decimal.NewFromFloat(p.Units)
	pnl := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).
		Mul(units).Mul(decimal.NewFromFloat(p.Side.Sign()))
	p.PnL, _ = pnl.Round(6).Float64()
	if n := decimal.NewFromFloat(entry).Mul(units); n.IsPositive() {
		p.PnLPct, _ = pnl.Div(n).Mul(decimal.NewFromInt(100)).Round(6).Float64()
	}
}

// Outcome is the closed trade in the form the sizer and breaker consume
func (p Position) Outcome() trade.Outcome {
	return trade.Outcome{
		Symbol:   p.Symbol,
		PnL:      p.PnL,
		PnLPct:   p.PnLPct,
		Win:      p.PnL > 0,
		ClosedAt: p.ClosedAt,
	}
}

// InvariantError reports a broken internal invariant. It is raised with
// panic: continuing would trade on corrupted state.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "lifecycle invariant violated: " + e.Msg }

func invariant(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// moveTo applies a transition, panicking on an edge the machine does not have
func (p *Position) moveTo(to Status) {
	if !CanTransition(p.Status, to) {
		invariant("position %s: illegal transition %s -> %s", p.ID, p.Status, to)
	}
	p.Status = to
}
