// Package narration carries fire-and-forget trading events to humans and
// dashboards. Nothing here may influence a trading decision.
package narration

import (
	"sync"
	"time"
)

// Kind names an event
type Kind string

const (
	TradeOpened     Kind = "TRADE_OPENED"
	TradeClosed     Kind = "TRADE_CLOSED"
	TradeRejected   Kind = "TRADE_REJECTED"
	GateRejected    Kind = "GATE_REJECTED"
	PositionUpsized Kind = "POSITION_UPSIZED"
	BreakerTripped  Kind = "BREAKER_TRIPPED"
	BreakerReset    Kind = "BREAKER_RESET"
)

// Critical reports kinds that should never be filtered by alerting policy
func (k Kind) Critical() bool {
	return k == BreakerTripped || k == BreakerReset
}

// Event is one narration record
type Event struct {
	Kind   Kind           `json:"kind"`
	Time   time.Time      `json:"time"`
	Symbol string         `json:"symbol,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// New stamps an event with the current time
func New(kind Kind, symbol string, detail map[string]any) Event {
	return Event{Kind: kind, Time: time.Now().UTC(), Symbol: symbol, Detail: detail}
}

// Sink receives events. Emit must not block and must not panic into the caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards everything
type Nop struct{}

func (Nop) Emit(Event) {}

// Multi fans out to several sinks. A panicking sink is isolated from the rest.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		safeEmit(s, e)
	}
}

func safeEmit(s Sink, e Event) {
	defer func() { _ = recover() }()
	s.Emit(e)
}

// Memory keeps the most recent events for status endpoints and tests
type Memory struct {
	mu    sync.Mutex
	limit int
	items []Event
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 256
	}
	return &Memory{limit: limit}
}

func (m *Memory) Emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, e)
	if len(m.items) > m.limit {
		m.items = m.items[len(m.items)-m.limit:]
	}
}

// Events returns up to n recent events (all when n <= 0), optionally by kind
func (m *Memory) Events(n int, kinds ...Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.items {
		if len(kinds) == 0 || containsKind(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func containsKind(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}
