package signals

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// HTTPPoller polls a candidates endpoint with a resume cursor. The server
// answers {"candidates": [...], "cursor": "..."}.
type HTTPPoller struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	cursor string
	state  int32 // atomic ConnectionState
	cancel context.CancelFunc
	done   chan struct{}

	polls int64
}

func NewHTTPPoller(cfg Config) (*HTTPPoller, error) {
	cfg = cfg.withDefaults()
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("signals: http url: %w", err)
	}
	return &HTTPPoller{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *HTTPPoller) Start(ctx context.Context) (<-chan trade.Candidate, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan trade.Candidate, p.cfg.Buffer)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer close(out)
		p.loop(ctx, out)
	}()
	return out, nil
}

func (p *HTTPPoller) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Cursor is the last cursor the server returned
func (p *HTTPPoller) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *HTTPPoller) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&p.state))
}

func (p *HTTPPoller) setState(s ConnectionState) {
	atomic.StoreInt32(&p.state, int32(s))
	observ.SetGauge("signals_connection_state", float64(s), map[string]string{"source": "http"})
}

func (p *HTTPPoller) loop(ctx context.Context, out chan<- trade.Candidate) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.setState(StateConnecting)
	failures := 0

	for {
		err := p.pollOnce(ctx, out)
		switch {
		case ctx.Err() != nil:
			p.setState(StateDisconnected)
			return
		case err != nil:
			failures++
			p.setState(StateDisconnected)
			observ.IncCounter("signals_poll_errors_total", nil)
			observ.Warn("signal_poll_failed", map[string]any{"error": err.Error(), "failures": failures})
			if limit := p.cfg.Reconnect.MaxAttempts; limit > 0 && failures >= limit {
				observ.Error("signal_poll_giving_up", err, map[string]any{"failures": failures})
				return
			}
			if !sleep(ctx, backoff(p.cfg.Reconnect, failures)) {
				return
			}
			continue
		default:
			failures = 0
			p.setState(StateConnected)
		}

		select {
		case <-ctx.Done():
			p.setState(StateDisconnected)
			return
		case <-ticker.C:
		}
	}
}

func (p *HTTPPoller) pollOnce(ctx context.Context, out chan<- trade.Candidate) error {
	atomic.AddInt64(&p.polls, 1)

	u, _ := url.Parse(p.cfg.URL)
	if cur := p.Cursor(); cur != "" {
		q := u.Query()
		q.Set("cursor", cur)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var page struct {
		Candidates jsoniter.RawMessage `json:"candidates"`
		Cursor     string              `json:"cursor"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if len(page.Candidates) > 0 {
		for _, c := range decodeCandidates("http", page.Candidates) {
			if !deliver(ctx, "http", out, c) {
				return ctx.Err()
			}
		}
	}
	if page.Cursor != "" {
		p.mu.Lock()
		p.cursor = page.Cursor
		p.mu.Unlock()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Polls counts requests made, successful or not
func (p *HTTPPoller) Polls() int64 { return atomic.LoadInt64(&p.polls) }
