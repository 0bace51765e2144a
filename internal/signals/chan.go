package signals

import (
	"context"
	"errors"
	"sync"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

var ErrClosed = errors.New("signals: source closed")

// Chan is an in-process source. Producers call Publish.
type Chan struct {
	mu     sync.RWMutex
	ch     chan trade.Candidate
	done   chan struct{}
	once   sync.Once
	closed bool
}

func NewChan(buffer int) *Chan {
	if buffer <= 0 {
		buffer = DefaultConfig().Buffer
	}
	return &Chan{ch: make(chan trade.Candidate, buffer), done: make(chan struct{})}
}

func (c *Chan) Start(ctx context.Context) (<-chan trade.Candidate, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c.ch, nil
}

// Publish validates cand and queues it, blocking until there is room, ctx
// ends or the source closes.
func (c *Chan) Publish(ctx context.Context, cand trade.Candidate) error {
	if err := cand.Validate(); err != nil {
		malformed("chan", err)
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.ch <- cand:
		observ.IncCounter("signals_received_total", map[string]string{"source": "chan"})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the source; blocked publishers return ErrClosed
func (c *Chan) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
	return nil
}
