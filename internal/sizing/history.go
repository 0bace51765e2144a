package sizing

import (
	"sync"

	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// shard is one symbol's bounded outcome ring
type shard struct {
	mu    sync.Mutex
	limit int
	items []trade.Outcome
}

func (s *shard) add(o trade.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, o)
	if len(s.items) > s.limit {
		s.items = append([]trade.Outcome(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *shard) snapshot() []trade.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trade.Outcome, len(s.items))
	copy(out, s.items)
	return out
}

// history shards outcomes by symbol so recording for one symbol never
// contends with sizing another
type history struct {
	mu     sync.RWMutex
	limit  int
	shards map[string]*shard
}

func newHistory(limit int) *history {
	return &history{limit: limit, shards: map[string]*shard{}}
}

func (h *history) get(symbol string, create bool) *shard {
	h.mu.RLock()
	s, ok := h.shards[symbol]
	h.mu.RUnlock()
	if ok || !create {
		return s
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.shards[symbol]; !ok {
		s = &shard{limit: h.limit}
		h.shards[symbol] = s
	}
	return s
}

func (h *history) add(o trade.Outcome) {
	h.get(o.Symbol, true).add(o)
}

func (h *history) outcomes(symbol string) []trade.Outcome {
	s := h.get(symbol, false)
	if s == nil {
		return nil
	}
	return s.snapshot()
}

func (h *history) symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.shards))
	for k := range h.shards {
		out = append(out, k)
	}
	return out
}
