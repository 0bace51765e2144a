package lifecycle

import "sync"

// slotPool is the single point of truth for the concurrency cap. Reserving
// is a check-and-increment under one lock.
type slotPool struct {
	mu    sync.Mutex
	limit int
	used  int
}

func newSlotPool(limit int) *slotPool {
	return &slotPool{limit: limit}
}

func (s *slotPool) tryReserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.limit {
		return false
	}
	s.used++
	return true
}

func (s *slotPool) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used <= 0 {
		invariant("slot released with none reserved")
	}
	s.used--
}

func (s *slotPool) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
