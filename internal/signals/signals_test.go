package signals

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

const eurBuy = `{"id":"c1","symbol":"eur_usd","side":"buy","entry":1.1,"stop":1.095,"target":1.12,"confidence":0.8}`

func collect(t *testing.T, ch <-chan trade.Candidate, n int) []trade.Candidate {
	t.Helper()
	var out []trade.Candidate
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d candidates", len(out))
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("timed out after %d of %d candidates", len(out), n)
		}
	}
	return out
}

func TestDecodeCandidates(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		symbols []string
	}{
		{"single object", eurBuy, []string{"EUR_USD"}},
		{"array", "[" + eurBuy + "," + strings.Replace(eurBuy, "eur_usd", "gbp_usd", 1) + "]", []string{"EUR_USD", "GBP_USD"}},
		{"invalid json", `{"symbol":`, nil},
		{"bad array", `[{"symbol":]`, nil},
		{"stop on wrong side skipped", `[` + strings.Replace(eurBuy, `"stop":1.095`, `"stop":1.2`, 1) + `,` + eurBuy + `]`, []string{"EUR_USD"}},
		{"unknown side", strings.Replace(eurBuy, `"buy"`, `"hold"`, 1), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeCandidates("test", []byte(tc.raw))
			var symbols []string
			for _, c := range got {
				symbols = append(symbols, c.Symbol)
				assert.Equal(t, trade.Buy, c.Side)
				assert.False(t, c.Timestamp.IsZero())
			}
			assert.Equal(t, tc.symbols, symbols)
		})
	}
}

func TestMalformedIsCounted(t *testing.T) {
	before := observ.CounterValue("signals_malformed_total", map[string]string{"source": "count"})
	decodeCandidates("count", []byte(`not json`))
	assert.Equal(t, before+1, observ.CounterValue("signals_malformed_total", map[string]string{"source": "count"}))
}

func TestBackoff(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(cfg, 2))
	assert.Equal(t, 800*time.Millisecond, backoff(cfg, 4))
	assert.Equal(t, time.Second, backoff(cfg, 10))
}

func TestNewSelectsSource(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Chan{}, s)

	_, err = New(Config{Kind: "http", URL: "::bad"})
	assert.Error(t, err)
	_, err = New(Config{Kind: "ws", URL: "http://example.com"})
	assert.Error(t, err)
	_, err = New(Config{Kind: "kafka"})
	assert.Error(t, err)
}

func TestChanPublishAndClose(t *testing.T) {
	src := NewChan(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Start(ctx)
	require.NoError(t, err)

	good := trade.Candidate{Symbol: "EUR_USD", Side: trade.Buy, Entry: 1.1, Stop: 1.09, Target: 1.14, Confidence: 0.5}
	require.NoError(t, src.Publish(ctx, good))
	assert.Error(t, src.Publish(ctx, trade.Candidate{Symbol: "EUR_USD"}))

	got := collect(t, ch, 1)
	assert.Equal(t, "EUR_USD", got[0].Symbol)

	// a full buffer blocks until Close releases the publisher
	require.NoError(t, src.Publish(ctx, good))
	errc := make(chan error, 1)
	go func() { errc <- src.Publish(ctx, good) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, src.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.ErrorIs(t, src.Publish(ctx, good), ErrClosed)

	_, err = src.Start(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPPollerFollowsCursor(t *testing.T) {
	var mu sync.Mutex
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		n := len(cursors)
		mu.Unlock()
		switch n {
		case 1:
			fmt.Fprintf(w, `{"candidates":[%s,{"symbol":"bad"}],"cursor":"c1"}`, eurBuy)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		case 3:
			fmt.Fprintf(w, `{"candidates":[%s],"cursor":"c2"}`, strings.Replace(eurBuy, "eur_usd", "usd_jpy", 1))
		default:
			fmt.Fprint(w, `{"candidates":[]}`)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPPoller(Config{
		URL:          srv.URL + "/candidates",
		PollInterval: 10 * time.Millisecond,
		Reconnect:    ReconnectConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	ch, err := p.Start(context.Background())
	require.NoError(t, err)

	got := collect(t, ch, 2)
	assert.Equal(t, "EUR_USD", got[0].Symbol)
	assert.Equal(t, "USD_JPY", got[1].Symbol)
	require.Eventually(t, func() bool { return p.Cursor() == "c2" }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	_, open := <-ch
	assert.False(t, open)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", cursors[0])
	assert.Equal(t, "c1", cursors[1], "cursor kept across a failed poll")
	assert.Equal(t, "c1", cursors[2])
	assert.GreaterOrEqual(t, p.Polls(), int64(3))
}

func TestHTTPPollerGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewHTTPPoller(Config{
		URL:       srv.URL,
		Reconnect: ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)
	ch, err := p.Start(context.Background())
	require.NoError(t, err)

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, StateDisconnected, p.State())
}

func TestWSFeedReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			// first session: one candidate, one garbage frame, then drop
			_ = c.WriteMessage(websocket.TextMessage, []byte(eurBuy))
			_ = c.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`[`+strings.Replace(eurBuy, "eur_usd", "aud_usd", 1)+`]`))
		// hold the connection until the client leaves
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f, err := NewWSFeed(Config{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Reconnect: ReconnectConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	ch, err := f.Start(context.Background())
	require.NoError(t, err)

	got := collect(t, ch, 2)
	assert.Equal(t, "EUR_USD", got[0].Symbol)
	assert.Equal(t, "AUD_USD", got[1].Symbol)
	assert.GreaterOrEqual(t, f.Reconnects(), int64(1))
	require.Eventually(t, func() bool { return f.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Close())
	_, open := <-ch
	assert.False(t, open)
}
