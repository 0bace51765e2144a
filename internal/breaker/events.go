package breaker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Rajchodisetti/trading-core/internal/fsutil"
	"github.com/Rajchodisetti/trading-core/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const markerVersion = "1.0"

// marker is the durable trip record read back at startup
type marker struct {
	BreakerActive       bool      `json:"breaker_active"`
	TriggerTime         time.Time `json:"trigger_time"`
	TriggerKind         EventKind `json:"trigger_kind"`
	TriggerReason       string    `json:"trigger_reason"`
	PnLAtTrigger        float64   `json:"pnl_at_trigger"`
	ConsecutiveTriggers int       `json:"consecutive_triggers"`
	SessionStart        time.Time `json:"session_start"`
	Version             string    `json:"lock_file_version"`
}

// record appends to memory and the audit log. Writes are synchronous so
// the log order matches the order of state changes.
func (b *Breaker) record(ev Event) {
	b.events = append(b.events, ev)
	observ.IncCounter("breaker_events_total", map[string]string{"event_type": string(ev.Kind)})
	if b.cfg.AuditPath == "" {
		return
	}
	if err := b.persistEvent(ev); err != nil {
		observ.IncCounter("breaker_persist_errors_total", map[string]string{"file": "audit"})
		observ.Error("breaker_audit_write_failed", err, map[string]any{"event_id": ev.ID})
	}
}

func (b *Breaker) persistEvent(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return fsutil.AppendLine(b.cfg.AuditPath, line)
}

// loadEvents reads the audit log into memory, skipping malformed lines
func (b *Breaker) loadEvents() error {
	if b.cfg.AuditPath == "" {
		return nil
	}
	f, err := os.Open(b.cfg.AuditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			observ.IncCounter("breaker_parse_errors_total", nil)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	b.events = events
	observ.SetGauge("breaker_events_loaded", float64(len(events)), nil)
	return nil
}

func (b *Breaker) writeMarker() error {
	if b.cfg.MarkerPath == "" {
		return nil
	}
	s := b.state
	m := marker{
		BreakerActive:       s.BreakerActive,
		TriggerTime:         s.TriggeredAt,
		TriggerKind:         s.TriggerKind,
		TriggerReason:       s.TriggerReason,
		PnLAtTrigger:        s.RealizedPnL,
		ConsecutiveTriggers: s.ConsecutiveTriggers,
		SessionStart:        s.SessionStart,
		Version:             markerVersion,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.cfg.MarkerPath, data, 0o644)
}

func (b *Breaker) removeMarker() error {
	if b.cfg.MarkerPath == "" {
		return nil
	}
	return fsutil.RemoveIfExists(b.cfg.MarkerPath)
}

// restoreMarker applies a marker left by a previous process. A threshold
// trip older than ResetAfter is re-armed; other trips stay latched. The
// consecutive-trigger count always survives.
func (b *Breaker) restoreMarker() error {
	if b.cfg.MarkerPath == "" {
		return nil
	}
	data, err := os.ReadFile(b.cfg.MarkerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse marker: %w", err)
	}

	b.state.ConsecutiveTriggers = m.ConsecutiveTriggers
	if !m.BreakerActive {
		return nil
	}
	if m.TriggerKind == "" {
		m.TriggerKind = KindThresholdBreach
	}

	now := b.now()
	expired := m.TriggerKind == KindThresholdBreach && b.cfg.ResetAfter > 0 &&
		now.Sub(m.TriggerTime) >= b.cfg.ResetAfter
	if expired {
		observ.Log("breaker_marker_expired", map[string]any{
			"trigger_time": m.TriggerTime,
			"reason":       m.TriggerReason,
		})
		return b.writeMarker()
	}

	b.state.BreakerActive = true
	b.state.TriggeredAt = m.TriggerTime
	b.state.TriggerKind = m.TriggerKind
	b.state.TriggerReason = m.TriggerReason
	b.state.RealizedPnL = m.PnLAtTrigger
	if !m.SessionStart.IsZero() {
		b.state.SessionStart = m.SessionStart
	}
	observ.Warn("breaker_restored_tripped", map[string]any{
		"kind":         m.TriggerKind,
		"reason":       m.TriggerReason,
		"trigger_time": m.TriggerTime,
	})
	return nil
}

// History returns up to n most recent events, optionally filtered by kind
func (b *Breaker) History(n int, kinds ...EventKind) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.events
	if len(kinds) > 0 {
		want := make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			want[k] = true
		}
		filtered = nil
		for _, ev := range b.events {
			if want[ev.Kind] {
				filtered = append(filtered, ev)
			}
		}
	}
	if n > 0 && n < len(filtered) {
		filtered = filtered[len(filtered)-n:]
	}
	out := make([]Event, len(filtered))
	copy(out, filtered)
	return out
}

// CompactAuditLog rewrites the audit log keeping events newer than keep
func (b *Breaker) CompactAuditLog(keep time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-keep)
	var kept []Event
	for _, ev := range b.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	if b.cfg.AuditPath != "" {
		var sb strings.Builder
		for _, ev := range kept {
			line, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			sb.Write(line)
			sb.WriteByte('\n')
		}
		if err := fsutil.WriteFileAtomic(b.cfg.AuditPath, []byte(sb.String()), 0o644); err != nil {
			return fmt.Errorf("rewrite audit log: %w", err)
		}
	}
	removed := len(b.events) - len(kept)
	b.events = kept
	observ.Log("breaker_audit_compacted", map[string]any{"removed": removed, "kept": len(kept)})
	return nil
}
