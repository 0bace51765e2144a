package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// SlackConfig enables the /slack/command endpoint for slash commands
type SlackConfig struct {
	SigningSecret string   `yaml:"signing_secret"`
	AllowedUsers  []string `yaml:"allowed_users"` // empty allows every verified user
}

const slackMaxSkew = 5 * time.Minute

type slashCommand struct {
	UserID   string
	UserName string
	Command  string
	Text     string
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slashResponse struct {
	ResponseType string            `json:"response_type"` // ephemeral or in_channel
	Text         string            `json:"text"`
	Attachments  []slackAttachment `json:"attachments,omitempty"`
}

// slackHandler verifies Slack request signatures and maps slash commands
// onto breaker and controller operations.
type slackHandler struct {
	cfg  SlackConfig
	deps Deps
	now  func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

func newSlackHandler(cfg SlackConfig, deps Deps) *slackHandler {
	return &slackHandler{cfg: cfg, deps: deps, now: time.Now, nonces: make(map[string]time.Time)}
}

// verify checks the v0 HMAC signature, timestamp skew and replay
func (h *slackHandler) verify(body []byte, signature, timestamp string) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := h.now()
	if d := now.Sub(time.Unix(ts, 0)); d > slackMaxSkew || d < -slackMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.SigningSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for n, seen := range h.nonces {
		if now.Sub(seen) > 2*slackMaxSkew {
			delete(h.nonces, n)
		}
	}
	nonce := signature + timestamp
	if _, seen := h.nonces[nonce]; seen {
		return false
	}
	h.nonces[nonce] = now
	return true
}

func (h *slackHandler) allowed(userID string) bool {
	if len(h.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, u := range h.cfg.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

func (h *slackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !h.verify(body, r.Header.Get("X-Slack-Signature"), r.Header.Get("X-Slack-Request-Timestamp")) {
		observ.IncCounter("slack_commands_total", map[string]string{"outcome": "bad_signature"})
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse command")
		return
	}
	cmd := slashCommand{
		UserID:   form.Get("user_id"),
		UserName: form.Get("user_name"),
		Command:  form.Get("command"),
		Text:     strings.TrimSpace(form.Get("text")),
	}
	if !h.allowed(cmd.UserID) {
		observ.IncCounter("slack_commands_total", map[string]string{"outcome": "denied"})
		observ.Warn("slack_command_denied", map[string]any{"user_id": cmd.UserID, "command": cmd.Command})
		writeJSON(w, http.StatusOK, slashResponse{ResponseType: "ephemeral", Text: "Access denied: you are not allowed to use trading commands"})
		return
	}

	var resp slashResponse
	switch cmd.Command {
	case "/breaker":
		resp = h.breakerCommand(cmd)
	case "/positions":
		resp = h.positionsCommand()
	case "/close":
		resp = h.closeCommand(cmd)
	default:
		resp = slashResponse{ResponseType: "ephemeral", Text: "Unknown command. Available: /breaker status|stop|reset, /positions, /close <id>"}
	}
	observ.IncCounter("slack_commands_total", map[string]string{"outcome": "ok"})
	observ.Log("slack_command", map[string]any{"user_id": cmd.UserID, "user": cmd.UserName, "command": cmd.Command, "text": cmd.Text})
	writeJSON(w, http.StatusOK, resp)
}

func (h *slackHandler) breakerCommand(cmd slashCommand) slashResponse {
	if h.deps.Breaker == nil {
		return slashResponse{ResponseType: "ephemeral", Text: "breaker not configured"}
	}
	verb, reason, _ := strings.Cut(cmd.Text, " ")
	user := cmd.UserName
	if user == "" {
		user = cmd.UserID
	}
	switch verb {
	case "", "status":
		st := h.deps.Breaker.Status()
		color := "good"
		if h.deps.Breaker.Halted() {
			color = "danger"
		}
		return slashResponse{
			ResponseType: "ephemeral",
			Text:         fmt.Sprintf("Session breaker is %v", st["state"]),
			Attachments: []slackAttachment{{
				Color: color,
				Fields: []slackField{
					{Title: "P&L", Value: fmt.Sprintf("%.2f (%.2f%%)", st["realized_pnl"], st["pnl_pct"]), Short: true},
					{Title: "Consecutive triggers", Value: fmt.Sprint(st["consecutive_triggers"]), Short: true},
					{Title: "Trigger reason", Value: fmt.Sprint(st["trigger_reason"]), Short: false},
				},
			}},
		}
	case "stop":
		d := h.deps.Breaker.ManualStop(user, reason)
		return slashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("Trading halted by %s: %s", user, d.Reason)}
	case "reset":
		ev := h.deps.Breaker.Reset(user, reason)
		return slashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("Session breaker reset by %s (%s)", user, ev.Reason)}
	default:
		return slashResponse{ResponseType: "ephemeral", Text: "Usage: /breaker status|stop [reason]|reset [reason]"}
	}
}

func (h *slackHandler) positionsCommand() slashResponse {
	if h.deps.Controller == nil {
		return slashResponse{ResponseType: "ephemeral", Text: "controller not running"}
	}
	ps := h.deps.Controller.Positions()
	if len(ps) == 0 {
		return slashResponse{ResponseType: "ephemeral", Text: "No open positions"}
	}
	fields := make([]slackField, 0, len(ps))
	for _, p := range ps {
		fields = append(fields, slackField{
			Title: fmt.Sprintf("%s %s %s", p.Symbol, p.Side, p.Status),
			Value: fmt.Sprintf("%s units=%.4g fill=%.5g stop=%.5g target=%.5g", p.ID, p.Units, p.FillPrice, p.Stop, p.Target),
		})
	}
	return slashResponse{
		ResponseType: "ephemeral",
		Text:         fmt.Sprintf("%d active positions", len(ps)),
		Attachments:  []slackAttachment{{Fields: fields}},
	}
}

func (h *slackHandler) closeCommand(cmd slashCommand) slashResponse {
	if h.deps.Controller == nil {
		return slashResponse{ResponseType: "ephemeral", Text: "controller not running"}
	}
	if cmd.Text == "" {
		return slashResponse{ResponseType: "ephemeral", Text: "Usage: /close <position id>"}
	}
	if err := h.deps.Controller.Close(cmd.Text); err != nil {
		return slashResponse{ResponseType: "ephemeral", Text: "Close failed: " + err.Error()}
	}
	return slashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("Closing %s at %s's request", cmd.Text, cmd.UserName)}
}
