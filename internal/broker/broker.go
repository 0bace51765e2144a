// Package broker defines the execution boundary the lifecycle controller
// talks to, plus a paper implementation and a retrying decorator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Order is a bracket order: market entry with attached stop and target
type Order struct {
	ID     string     `json:"id"`
	Symbol string     `json:"symbol"`
	Side   trade.Side `json:"side"`
	Units  float64    `json:"units"`
	Entry  float64    `json:"entry"` // limit for the entry leg; 0 takes the market
	Stop   float64    `json:"stop"`
	Target float64    `json:"target"`
}

// Handle identifies a filled entry at the broker
type Handle struct {
	OrderID   string     `json:"order_id"`
	BrokerRef string     `json:"broker_ref"`
	Symbol    string     `json:"symbol"`
	Side      trade.Side `json:"side"`
	Units     float64    `json:"units"`
	FillPrice float64    `json:"fill_price"`
	FilledAt  time.Time  `json:"filled_at"`
}

// Fill is an exit execution
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Units       float64   `json:"units"`
	Price       float64   `json:"price"`
	Reason      string    `json:"reason"`
	Time        time.Time `json:"time"`
	SlippageBps int       `json:"slippage_bps"`
}

// Price is a top-of-book snapshot
type Price struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the midpoint
func (p Price) Mid() float64 { return (p.Bid + p.Ask) / 2 }

// Exit reasons reported by brokers when a bracket leg fills on its own
const (
	ExitStop   = "STOP_HIT"
	ExitTarget = "TARGET_HIT"
)

// Broker executes orders. Implementations must honour ctx deadlines.
type Broker interface {
	SubmitBracketOrder(ctx context.Context, o Order) (Handle, error)
	// CancelOrClose flattens the position; if a bracket leg already filled
	// it returns that fill.
	CancelOrClose(ctx context.Context, h Handle, reason string) (Fill, error)
	GetPrice(ctx context.Context, symbol string) (Price, error)
}

// ErrorKind separates errors worth retrying from those that are not
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrUnknownOrder  = errors.New("unknown order")
	ErrRejected      = errors.New("order rejected")
)

// Error is the typed broker failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may be retried
func (e *Error) Retryable() bool { return e.Kind == Transient }

// NewTransient wraps err as retryable
func NewTransient(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewPermanent wraps err as non-retryable
func NewPermanent(op string, err error) error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Context errors and
// untyped errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return false
}
