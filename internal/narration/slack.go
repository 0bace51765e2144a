package narration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SlackConfig configures webhook alerting
type SlackConfig struct {
	Enabled         bool          `yaml:"enabled"`
	WebhookURL      string        `yaml:"webhook_url"`
	Channel         string        `yaml:"channel"`
	Kinds           []Kind        `yaml:"kinds"` // empty = all
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	Timeout         time.Duration `yaml:"timeout"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// DefaultSlackConfig alerts on trips, resets and closes
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		Kinds:           []Kind{BreakerTripped, BreakerReset, TradeClosed},
		RateLimitPerMin: 20,
		DedupeWindow:    60 * time.Second,
		Timeout:         10 * time.Second,
		QueueSize:       1000,
		MaxAttempts:     3,
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	event    Event
	attempts int
}

// SlackSink posts events to an incoming webhook from a background worker.
// Emit filters, dedupes and rate limits, then enqueues without blocking.
type SlackSink struct {
	cfg     SlackConfig
	client  *http.Client
	kinds   map[Kind]bool
	limiter *rate.Limiter
	queue   chan queuedAlert

	mu     sync.Mutex
	dedupe map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlackSink(cfg SlackConfig) *SlackSink {
	d := DefaultSlackConfig()
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = d.RateLimitPerMin
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = d.DedupeWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	kinds := make(map[Kind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		kinds:   kinds,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), cfg.RateLimitPerMin),
		queue:   make(chan queuedAlert, cfg.QueueSize),
		dedupe:  make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *SlackSink) Emit(e Event) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		return
	}
	if len(s.kinds) > 0 && !s.kinds[e.Kind] {
		return
	}
	if s.duplicate(e) {
		observ.IncCounter("slack_deduped_total", nil)
		return
	}
	// critical events bypass the limiter
	if !e.Kind.Critical() && !s.limiter.Allow() {
		observ.IncCounter("slack_rate_limited_total", nil)
		return
	}
	select {
	case s.queue <- queuedAlert{event: e}:
	default:
		observ.IncCounter("slack_dropped_total", nil)
	}
}

func (s *SlackSink) duplicate(e Event) bool {
	h := hashEvent(e)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.dedupe {
		if now.Sub(t) >= s.cfg.DedupeWindow {
			delete(s.dedupe, k)
		}
	}
	if _, seen := s.dedupe[h]; seen {
		return true
	}
	s.dedupe[h] = now
	return false
}

func hashEvent(e Event) string {
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%s", e.Kind, e.Symbol)
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%v", k, e.Detail[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *SlackSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case a := <-s.queue:
			for {
				err := s.send(a.event)
				if err == nil {
					observ.IncCounter("slack_sent_total", nil)
					break
				}
				a.attempts++
				observ.IncCounter("slack_webhook_errors_total", nil)
				if a.attempts >= s.cfg.MaxAttempts {
					observ.Error("slack_alert_dropped", err, map[string]any{"kind": a.event.Kind})
					break
				}
				backoff := time.Duration(math.Pow(2, float64(a.attempts))) * 250 * time.Millisecond
				backoff += time.Duration(rand.Float64() * float64(backoff) * 0.1)
				select {
				case <-time.After(backoff):
				case <-s.ctx.Done():
					return
				}
			}
		}
	}
}

func (s *SlackSink) send(e Event) error {
	payload, err := json.Marshal(formatSlack(s.cfg.Channel, e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func formatSlack(channel string, e Event) slackMessage {
	color := "good"
	switch e.Kind {
	case BreakerTripped, GateRejected, TradeRejected:
		color = "danger"
	case BreakerReset, PositionUpsized:
		color = "warning"
	}
	text := string(e.Kind)
	if e.Symbol != "" {
		text += ": " + e.Symbol
	}

	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]slackField, 0, len(keys)+1)
	for _, k := range keys {
		v := fmt.Sprint(e.Detail[k])
		if len(v) > 300 {
			v = v[:297] + "..."
		}
		fields = append(fields, slackField{Title: k, Value: v, Short: len(v) < 40})
	}
	fields = append(fields, slackField{Title: "time", Value: e.Time.Format("15:04:05 MST"), Short: true})

	return slackMessage{
		Channel:     channel,
		Text:        text,
		Attachments: []slackAttachment{{Color: color, Fields: fields}},
	}
}

// Close stops the worker; queued alerts are abandoned
func (s *SlackSink) Close() {
	s.cancel()
	s.wg.Wait()
}
