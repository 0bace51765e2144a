package broker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// RetryConfig is exponential backoff with jitter:
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) +/- jitter
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"` // includes the first call
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"` // 0..1
}

// DefaultRetry suits order submission: 4 attempts from 100ms
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// AggressiveRetry is for closing positions, where giving up is worse than hammering
func AggressiveRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  6,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ConservativeRetry is for reads such as price polling
func ConservativeRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// withRetry runs op until it succeeds, returns a non-transient error, runs
// out of attempts or ctx ends. The limiter paces every attempt.
func withRetry[T any](ctx context.Context, name string, cfg RetryConfig, lim *rate.Limiter, op func() (T, error)) (T, error) {
	cfg.normalize()
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr != nil {
					return zero, lastErr
				}
				return zero, err
			}
		}

		start := time.Now()
		v, err := op()
		observ.RecordDuration("broker_call", time.Since(start), map[string]string{"op": name})
		if err == nil {
			observ.IncCounter("broker_requests_total", map[string]string{"op": name, "result": "ok"})
			return v, nil
		}
		lastErr = err
		observ.IncCounter("broker_requests_total", map[string]string{"op": name, "result": "error"})

		if !IsTransient(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := cfg.delay(attempt)
		observ.IncCounter("broker_retries_total", map[string]string{"op": name})
		observ.Warn("broker_retry", map[string]any{
			"op":      name,
			"attempt": attempt + 1,
			"delay":   wait.String(),
			"error":   err.Error(),
		})
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// RetryingConfig sets per-operation retry policies and the request pacing
type RetryingConfig struct {
	Submit RetryConfig `yaml:"submit"`
	Close  RetryConfig `yaml:"close"`
	Price  RetryConfig `yaml:"price"`
	// RatePerSec <= 0 disables pacing
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// DefaultRetryingConfig retries submits normally, closes aggressively and
// prices conservatively.
func DefaultRetryingConfig() RetryingConfig {
	return RetryingConfig{
		Submit:     DefaultRetry(),
		Close:      AggressiveRetry(),
		Price:      ConservativeRetry(),
		RatePerSec: 20,
		Burst:      5,
	}
}

// Retrying decorates a Broker with backoff and rate limiting. Submits are
// retried with the same Order.ID so an idempotent broker does not double-fill.
type Retrying struct {
	next    Broker
	cfg     RetryingConfig
	limiter *rate.Limiter
}

var _ Broker = (*Retrying)(nil)

func NewRetrying(next Broker, cfg RetryingConfig) *Retrying {
	r := &Retrying{next: next, cfg: cfg}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return r
}

func (r *Retrying) SubmitBracketOrder(ctx context.Context, o Order) (Handle, error) {
	return withRetry(ctx, "submit", r.cfg.Submit, r.limiter, func() (Handle, error) {
		return r.next.SubmitBracketOrder(ctx, o)
	})
}

func (r *Retrying) CancelOrClose(ctx context.Context, h Handle, reason string) (Fill, error) {
	return withRetry(ctx, "close", r.cfg.Close, r.limiter, func() (Fill, error) {
		return r.next.CancelOrClose(ctx, h, reason)
	})
}

func (r *Retrying) GetPrice(ctx context.Context, symbol string) (Price, error) {
	return withRetry(ctx, "price", r.cfg.Price, r.limiter, func() (Price, error) {
		return r.next.GetPrice(ctx, symbol)
	})
}
