package signals

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// WSFeed reads candidates from a websocket, one JSON candidate or array per
// message, reconnecting with exponential backoff.
type WSFeed struct {
	cfg    Config
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	state      int32 // atomic ConnectionState
	reconnects int64
}

func NewWSFeed(cfg Config) (*WSFeed, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("signals: websocket url %q must be ws:// or wss://", cfg.URL)
	}
	return &WSFeed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
	}, nil
}

func (f *WSFeed) Start(ctx context.Context) (<-chan trade.Candidate, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan trade.Candidate, f.cfg.Buffer)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go func() {
		defer close(done)
		defer close(out)
		f.loop(ctx, out)
	}()
	return out, nil
}

func (f *WSFeed) Close() error {
	f.mu.Lock()
	cancel, done, conn := f.cancel, f.done, f.conn
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		// unblocks ReadMessage
		_ = conn.Close()
	}
	<-done
	return nil
}

func (f *WSFeed) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&f.state))
}

// Reconnects counts connection attempts after the first
func (f *WSFeed) Reconnects() int64 { return atomic.LoadInt64(&f.reconnects) }

func (f *WSFeed) setState(s ConnectionState) {
	atomic.StoreInt32(&f.state, int32(s))
	observ.SetGauge("signals_connection_state", float64(s), map[string]string{"source": "ws"})
}

func (f *WSFeed) loop(ctx context.Context, out chan<- trade.Candidate) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return
		}
		if attempt > 0 {
			atomic.AddInt64(&f.reconnects, 1)
		}
		f.setState(StateConnecting)

		err := f.connectAndRead(ctx, out)
		f.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		attempt++
		observ.IncCounter("signals_reconnects_total", map[string]string{"source": "ws"})
		observ.Warn("signal_ws_disconnected", map[string]any{"error": fmt.Sprint(err), "attempt": attempt})
		if limit := f.cfg.Reconnect.MaxAttempts; limit > 0 && attempt >= limit {
			observ.Error("signal_ws_giving_up", err, map[string]any{"attempts": attempt})
			return
		}
		if !sleep(ctx, backoff(f.cfg.Reconnect, attempt)) {
			return
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context, out chan<- trade.Candidate) error {
	dctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	conn, _, err := f.dialer.DialContext(dctx, f.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	f.setState(StateConnected)
	observ.Log("signal_ws_connected", map[string]any{"url": f.cfg.URL})

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		for _, c := range decodeCandidates("ws", msg) {
			if !deliver(ctx, "ws", out, c) {
				return ctx.Err()
			}
		}
	}
}
