package narration

import (
	"sync"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// Async decouples a slow sink behind a bounded queue. When the queue is
// full the event is dropped and counted.
type Async struct {
	next  Sink
	queue chan Event
	done  chan struct{}
	once  sync.Once
	name  string
}

func NewAsync(name string, next Sink, size int) *Async {
	if size <= 0 {
		size = 1000
	}
	a := &Async{
		next:  next,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
		name:  name,
	}
	go a.worker()
	return a
}

func (a *Async) Emit(e Event) {
	defer func() {
		// Emit after Close sends on a closed channel
		if recover() != nil {
			observ.IncCounter("narration_dropped_total", map[string]string{"sink": a.name, "why": "closed"})
		}
	}()
	select {
	case a.queue <- e:
		observ.SetGauge("narration_queue_depth", float64(len(a.queue)), map[string]string{"sink": a.name})
	default:
		observ.IncCounter("narration_dropped_total", map[string]string{"sink": a.name, "why": "full"})
	}
}

func (a *Async) worker() {
	defer close(a.done)
	for e := range a.queue {
		safeEmit(a.next, e)
	}
}

// Close drains queued events and stops the worker
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.queue)
		<-a.done
	})
}
