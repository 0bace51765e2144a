package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/ids"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// State is the breaker's position in ARMED -> TRIPPED -> ARMED
type State string

const (
	StateArmed   State = "ARMED"
	StateTripped State = "TRIPPED"
)

// EventKind classifies audit records
type EventKind string

const (
	KindThresholdBreach    EventKind = "THRESHOLD_BREACH"
	KindConsecutiveTrigger EventKind = "CONSECUTIVE_TRIGGER"
	KindManualStop         EventKind = "MANUAL_STOP"
	KindReset              EventKind = "RESET"
)

// Actions recorded on events
const (
	ActionHalt      = "ENGINE_HALT"
	ActionAutoReset = "AUTO_RESET"
	ActionReset     = "MANUAL_RESET"
)

// SessionState is owned by the Breaker and only changed through its methods
type SessionState struct {
	SessionStart        time.Time `json:"session_start"`
	StartingCapital     float64   `json:"starting_capital"`
	RealizedPnL         float64   `json:"realized_pnl"`
	PeakCapital         float64   `json:"peak_capital"`
	Drawdown            float64   `json:"drawdown"` // fraction below peak
	ConsecutiveTriggers int       `json:"consecutive_triggers"`
	Trades              int       `json:"trades"`
	Wins                int       `json:"wins"`
	Losses              int       `json:"losses"`
	BreakerActive       bool      `json:"breaker_active"`
	TriggeredAt         time.Time `json:"triggered_at,omitempty"`
	TriggerKind         EventKind `json:"trigger_kind,omitempty"`
	TriggerReason       string    `json:"trigger_reason,omitempty"`
}

// PnLPct is realized P&L as a percentage of starting capital
func (s SessionState) PnLPct() float64 {
	if s.StartingCapital <= 0 {
		return 0
	}
	return s.RealizedPnL / s.StartingCapital * 100
}

// Event is an append-only audit record
type Event struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      EventKind    `json:"event_type"`
	Reason    string       `json:"trigger_reason"`
	PnL       float64      `json:"pnl_at_trigger"`
	PnLPct    float64      `json:"pnl_pct_at_trigger"`
	Drawdown  float64      `json:"drawdown_at_trigger"`
	State     SessionState `json:"session_state"`
	Action    string       `json:"action_taken"`
	UserID    string       `json:"user_id,omitempty"`
}

// Decision is the answer to a check
type Decision struct {
	Halt   bool      `json:"halt"`
	Reason string    `json:"reason,omitempty"`
	Kind   EventKind `json:"kind,omitempty"`
}

// Config configures thresholds and durable paths
type Config struct {
	ThresholdPct     float64       `yaml:"-"` // taken from the rule set's daily_loss_breaker_pct
	ConsecutiveLimit int           `yaml:"consecutive_limit"`
	ResetAfter       time.Duration `yaml:"reset_after"`
	StartingCapital  float64       `yaml:"starting_capital"`
	MarkerPath       string        `yaml:"marker_path"`
	AuditPath        string        `yaml:"audit_path"`
}

// DefaultConfig returns production thresholds
func DefaultConfig() Config {
	return Config{
		ThresholdPct:     -5.0,
		ConsecutiveLimit: 3,
		ResetAfter:       24 * time.Hour,
		StartingCapital:  100000,
		MarkerPath:       "data/session_breaker.lock",
		AuditPath:        "data/session_breaker.jsonl",
	}
}

var ErrInvalidConfig = errors.New("breaker: invalid config")

// Option customises a Breaker
type Option func(*Breaker)

// WithRules makes the rule set's daily loss limit the trip threshold
func WithRules(rs *rules.RuleSet) Option {
	return func(b *Breaker) {
		b.rules = rs
		b.cfg.ThresholdPct = rs.DailyLossBreakerPct()
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is a latching session circuit breaker over cumulative realized P&L.
// A trip is persisted to a marker file so a restart stays halted.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  SessionState
	events []Event
	now    func() time.Time
	rules  *rules.RuleSet

	listenMu  sync.RWMutex
	listeners []func(Event)
}

// New creates a breaker, restoring any durable trip marker
func New(cfg Config, opts ...Option) (*Breaker, error) {
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	cfg = b.cfg
	if cfg.ThresholdPct >= 0 {
		return nil, fmt.Errorf("%w: daily loss threshold must be negative, got %v", ErrInvalidConfig, cfg.ThresholdPct)
	}
	if cfg.ConsecutiveLimit <= 0 {
		return nil, fmt.Errorf("%w: consecutive_limit must be > 0", ErrInvalidConfig)
	}
	if cfg.StartingCapital <= 0 {
		return nil, fmt.Errorf("%w: starting_capital must be > 0", ErrInvalidConfig)
	}
	b.state = b.freshSession(b.now())

	if err := b.loadEvents(); err != nil {
		observ.IncCounter("breaker_load_errors_total", map[string]string{"file": "audit"})
		observ.Error("breaker_audit_load_failed", err, map[string]any{"path": cfg.AuditPath})
	}
	if err := b.restoreMarker(); err != nil {
		// an unreadable marker could hide an active halt, so stay halted
		observ.IncCounter("breaker_load_errors_total", map[string]string{"file": "marker"})
		observ.Error("breaker_marker_load_failed", err, map[string]any{"path": cfg.MarkerPath})
		b.state.BreakerActive = true
		b.state.TriggeredAt = b.now()
		b.state.TriggerKind = KindManualStop
		b.state.TriggerReason = "unreadable breaker marker: " + err.Error()
	}
	b.publishGauges()
	return b, nil
}

func (b *Breaker) freshSession(now time.Time) SessionState {
	return SessionState{
		SessionStart:    now,
		StartingCapital: b.cfg.StartingCapital,
		PeakCapital:     b.cfg.StartingCapital,
	}
}

// Subscribe registers fn for trip and reset events. fn runs outside the
// breaker lock and must not block.
func (b *Breaker) Subscribe(fn func(Event)) {
	b.listenMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenMu.Unlock()
}

func (b *Breaker) notify(evs []Event) {
	if len(evs) == 0 {
		return
	}
	b.listenMu.RLock()
	ls := append([]func(Event){}, b.listeners...)
	b.listenMu.RUnlock()
	for _, ev := range evs {
		for _, fn := range ls {
			fn(ev)
		}
	}
}

// Check is the per-tick latch check. It fails closed: any internal fault
// yields a halt.
func (b *Breaker) Check() (d Decision) {
	var emitted []Event
	defer func() {
		if rec := recover(); rec != nil {
			observ.IncCounter("breaker_check_errors_total", nil)
			d = Decision{Halt: true, Reason: fmt.Sprintf("breaker check failed: %v", rec)}
		}
		b.notify(emitted)
		observ.IncCounter("breaker_checks_total", map[string]string{"halt": fmt.Sprint(d.Halt)})
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	d, emitted = b.evaluate()
	return d
}

// Update folds a closed trade into the session and re-evaluates
func (b *Breaker) Update(o trade.Outcome) (d Decision) {
	var emitted []Event
	defer func() {
		if rec := recover(); rec != nil {
			observ.IncCounter("breaker_check_errors_total", nil)
			d = Decision{Halt: true, Reason: fmt.Sprintf("breaker update failed: %v", rec)}
		}
		b.notify(emitted)
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.state
	s.RealizedPnL += o.PnL
	s.Trades++
	switch {
	case o.PnL > 0:
		s.Wins++
	case o.PnL < 0:
		s.Losses++
	}
	capital := s.StartingCapital + s.RealizedPnL
	if capital > s.PeakCapital {
		s.PeakCapital = capital
	}
	if s.PeakCapital > 0 {
		s.Drawdown = (s.PeakCapital - capital) / s.PeakCapital
	}
	observ.SetGauge("breaker_session_pnl", s.RealizedPnL, nil)
	observ.SetGauge("breaker_drawdown", s.Drawdown, nil)

	d, emitted = b.evaluate()
	return d
}

// CheckPnL evaluates an externally computed cumulative P&L against capital,
// e.g. including unrealized P&L from the broker. It does not change the
// session totals.
func (b *Breaker) CheckPnL(pnl, capital float64) (d Decision) {
	var emitted []Event
	defer func() {
		if rec := recover(); rec != nil {
			d = Decision{Halt: true, Reason: fmt.Sprintf("breaker check failed: %v", rec)}
		}
		b.notify(emitted)
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	if capital <= 0 {
		return Decision{Halt: true, Reason: "capital unknown or non-positive"}
	}
	if d, emitted = b.evaluate(); d.Halt {
		return d
	}
	pct := pnl / capital * 100
	if b.breached(pct) {
		reason := fmt.Sprintf("Cumulative P&L (%.2f%%) breached threshold (%.2f%%)", pct, b.cfg.ThresholdPct)
		emitted = append(emitted, b.trip(KindThresholdBreach, reason, pnl, pct, ""))
		return Decision{Halt: true, Reason: reason, Kind: KindThresholdBreach}
	}
	return Decision{}
}

// breached reports whether a cumulative P&L percentage is at or below the
// daily loss limit
func (b *Breaker) breached(pct float64) bool {
	if b.rules != nil {
		return !b.rules.ValidateDailyPnL(pct)
	}
	return pct <= b.cfg.ThresholdPct
}

// evaluate must be called with mu held
func (b *Breaker) evaluate() (Decision, []Event) {
	var emitted []Event
	now := b.now()
	s := &b.state

	if s.BreakerActive {
		if !b.autoResettable(now) {
			return Decision{Halt: true, Reason: s.TriggerReason, Kind: s.TriggerKind}, nil
		}
		emitted = append(emitted, b.reset("", "cooldown elapsed", ActionAutoReset, false))
	} else if b.cfg.ResetAfter > 0 && now.Sub(s.SessionStart) >= b.cfg.ResetAfter {
		b.rollSession(now)
	}

	if pct := s.PnLPct(); b.breached(pct) {
		reason := fmt.Sprintf("Cumulative P&L (%.2f%%) breached threshold (%.2f%%)", pct, b.cfg.ThresholdPct)
		emitted = append(emitted, b.trip(KindThresholdBreach, reason, s.RealizedPnL, pct, ""))
		return Decision{Halt: true, Reason: reason, Kind: KindThresholdBreach}, emitted
	}
	if s.ConsecutiveTriggers >= b.cfg.ConsecutiveLimit {
		reason := fmt.Sprintf("Consecutive trigger limit reached (%d)", s.ConsecutiveTriggers)
		emitted = append(emitted, b.trip(KindConsecutiveTrigger, reason, s.RealizedPnL, s.PnLPct(), ""))
		return Decision{Halt: true, Reason: reason, Kind: KindConsecutiveTrigger}, emitted
	}
	return Decision{}, emitted
}

// autoResettable reports whether a threshold trip has outlived the cooldown.
// Consecutive-limit and manual trips wait for an operator.
func (b *Breaker) autoResettable(now time.Time) bool {
	s := b.state
	if s.TriggerKind != KindThresholdBreach || b.cfg.ResetAfter <= 0 {
		return false
	}
	return now.Sub(s.TriggeredAt) >= b.cfg.ResetAfter
}

func (b *Breaker) rollSession(now time.Time) {
	consecutive := b.state.ConsecutiveTriggers
	b.state = b.freshSession(now)
	b.state.ConsecutiveTriggers = consecutive
	observ.Log("breaker_session_rolled", map[string]any{"session_start": now})
}

// trip must be called with mu held
func (b *Breaker) trip(kind EventKind, reason string, pnl, pct float64, user string) Event {
	now := b.now()
	s := &b.state
	s.BreakerActive = true
	s.ConsecutiveTriggers++
	s.TriggeredAt = now
	s.TriggerKind = kind
	s.TriggerReason = reason

	ev := Event{
		ID:        ids.Prefixed("brk"),
		Timestamp: now,
		Kind:      kind,
		Reason:    reason,
		PnL:       pnl,
		PnLPct:    pct,
		Drawdown:  s.Drawdown,
		State:     *s,
		Action:    ActionHalt,
		UserID:    user,
	}
	// marker first: a crash after this point still restarts halted
	if err := b.writeMarker(); err != nil {
		observ.IncCounter("breaker_persist_errors_total", map[string]string{"file": "marker"})
		observ.Error("breaker_marker_write_failed", err, map[string]any{"path": b.cfg.MarkerPath})
	}
	b.record(ev)

	observ.IncCounter("breaker_trips_total", map[string]string{"kind": string(kind)})
	observ.Warn("breaker_tripped", map[string]any{
		"kind":                 kind,
		"reason":               reason,
		"pnl":                  pnl,
		"pnl_pct":              pct,
		"consecutive_triggers": s.ConsecutiveTriggers,
	})
	b.publishGauges()
	return ev
}

// reset must be called with mu held. A manual reset also clears the
// consecutive-trigger count and removes the marker.
func (b *Breaker) reset(user, reason, action string, manual bool) Event {
	now := b.now()
	prev := b.state
	consecutive := prev.ConsecutiveTriggers
	if manual {
		consecutive = 0
	}
	b.state = b.freshSession(now)
	b.state.ConsecutiveTriggers = consecutive

	ev := Event{
		ID:        ids.Prefixed("brk"),
		Timestamp: now,
		Kind:      KindReset,
		Reason:    reason,
		PnL:       prev.RealizedPnL,
		PnLPct:    prev.PnLPct(),
		Drawdown:  prev.Drawdown,
		State:     b.state,
		Action:    action,
		UserID:    user,
	}

	var err error
	if manual {
		err = b.removeMarker()
	} else {
		err = b.writeMarker()
	}
	if err != nil {
		observ.IncCounter("breaker_persist_errors_total", map[string]string{"file": "marker"})
		observ.Error("breaker_marker_update_failed", err, map[string]any{"path": b.cfg.MarkerPath})
	}
	b.record(ev)

	observ.IncCounter("breaker_resets_total", map[string]string{"action": action})
	observ.Log("breaker_reset", map[string]any{"user": user, "reason": reason, "action": action})
	b.publishGauges()
	return ev
}

// ManualStop trips the breaker on operator request
func (b *Breaker) ManualStop(user, reason string) Decision {
	if reason == "" {
		reason = "Manual stop triggered"
	}
	b.mu.Lock()
	if b.state.BreakerActive {
		d := Decision{Halt: true, Reason: b.state.TriggerReason, Kind: b.state.TriggerKind}
		b.mu.Unlock()
		return d
	}
	ev := b.trip(KindManualStop, reason, b.state.RealizedPnL, b.state.PnLPct(), user)
	b.mu.Unlock()

	b.notify([]Event{ev})
	return Decision{Halt: true, Reason: reason, Kind: KindManualStop}
}

// Reset re-arms the breaker. It is always audited, even when already armed.
func (b *Breaker) Reset(user, reason string) Event {
	if reason == "" {
		reason = "manual reset"
	}
	b.mu.Lock()
	ev := b.reset(user, reason, ActionReset, true)
	b.mu.Unlock()

	b.notify([]Event{ev})
	return ev
}

// Halted reports the latch without evaluating thresholds
func (b *Breaker) Halted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.BreakerActive
}

// State returns a copy of the session state
func (b *Breaker) State() SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CurrentState maps the latch onto ARMED/TRIPPED
func (b *Breaker) CurrentState() State {
	if b.Halted() {
		return StateTripped
	}
	return StateArmed
}

// Status returns a summary for operators
func (b *Breaker) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state
	state := StateArmed
	if s.BreakerActive {
		state = StateTripped
	}
	return map[string]any{
		"state":                     string(state),
		"breaker_active":            s.BreakerActive,
		"trigger_kind":              string(s.TriggerKind),
		"trigger_reason":            s.TriggerReason,
		"triggered_at":              s.TriggeredAt,
		"consecutive_triggers":      s.ConsecutiveTriggers,
		"session_start":             s.SessionStart,
		"session_duration_hours":    b.now().Sub(s.SessionStart).Hours(),
		"realized_pnl":              s.RealizedPnL,
		"pnl_pct":                   s.PnLPct(),
		"drawdown":                  s.Drawdown,
		"trades":                    s.Trades,
		"wins":                      s.Wins,
		"losses":                    s.Losses,
		"pnl_threshold_pct":         b.cfg.ThresholdPct,
		"consecutive_trigger_limit": b.cfg.ConsecutiveLimit,
		"total_breaker_events":      len(b.events),
	}
}

func (b *Breaker) publishGauges() {
	v := 0.0
	if b.state.BreakerActive {
		v = 1
	}
	observ.SetGauge("breaker_tripped", v, nil)
	observ.SetGauge("breaker_consecutive_triggers", float64(b.state.ConsecutiveTriggers), nil)
}
