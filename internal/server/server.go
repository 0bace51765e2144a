// Package server is the operator HTTP surface: status, positions, breaker
// controls, narration history, metrics and Slack slash commands.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/lifecycle"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config for the admin listener
type Config struct {
	Listen       string        `yaml:"listen"`
	AdminToken   string        `yaml:"admin_token"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Slack        SlackConfig   `yaml:"slack"`
}

func DefaultConfig() Config {
	return Config{
		Listen:       "127.0.0.1:8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Controller is the part of the lifecycle controller the server drives
type Controller interface {
	Positions() []lifecycle.Position
	Recent(n int) []lifecycle.Position
	Get(id string) (lifecycle.Position, bool)
	Close(id string) error
	Status() map[string]any
}

// Breaker is the part of the session breaker the server drives
type Breaker interface {
	Status() map[string]any
	Halted() bool
	Reset(user, reason string) breaker.Event
	ManualStop(user, reason string) breaker.Decision
	History(n int, kinds ...breaker.EventKind) []breaker.Event
}

// Deps are wired by the CLI. Events and Hub are optional.
type Deps struct {
	Controller Controller
	Breaker    Breaker
	Rules      func() map[string]any
	Sizing     func() map[string]any
	Events     *narration.Memory
	Hub        *narration.Hub
}

type Server struct {
	cfg   Config
	deps  Deps
	slack *slackHandler
	http  *http.Server
}

func New(cfg Config, deps Deps) *Server {
	d := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = d.Listen
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	s := &Server{cfg: cfg, deps: deps}
	if cfg.Slack.SigningSecret != "" {
		s.slack = newSlackHandler(cfg.Slack, deps)
	}
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery, logging)

	r.Handle("/healthz", observ.HealthHandler(s.health)).Methods(http.MethodGet)
	r.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/recent", s.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}", s.handlePosition).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/breaker", s.handleBreakerStatus).Methods(http.MethodGet)
	r.HandleFunc("/breaker/history", s.handleBreakerHistory).Methods(http.MethodGet)
	if s.deps.Hub != nil {
		r.Handle("/ws", s.deps.Hub)
	}

	admin := r.NewRoute().Subrouter()
	admin.Use(s.requireToken)
	admin.HandleFunc("/breaker/reset", s.handleBreakerReset).Methods(http.MethodPost)
	admin.HandleFunc("/breaker/stop", s.handleBreakerStop).Methods(http.MethodPost)
	admin.HandleFunc("/positions/{id}/close", s.handleClose).Methods(http.MethodPost)

	if s.slack != nil {
		r.Handle("/slack/command", s.slack).Methods(http.MethodPost)
	}
	return r
}

// ListenAndServe serves until ctx ends, then drains in-flight requests
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		observ.Log("admin_server_listening", map[string]any{"addr": s.cfg.Listen})
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		return s.http.Shutdown(sctx)
	}
}

func (s *Server) health() (string, map[string]any) {
	details := map[string]any{}
	status := "healthy"
	if s.deps.Breaker != nil && s.deps.Breaker.Halted() {
		status = "halted"
		details["breaker"] = "tripped"
	}
	if s.deps.Controller != nil {
		st := s.deps.Controller.Status()
		details["open_positions"] = st["open_positions"]
	}
	return status, details
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			observ.IncCounter("admin_auth_denied_total", nil)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observ.IncCounter("admin_panics_total", nil)
				observ.Warn("admin_handler_panic", map[string]any{
					"path":  r.URL.Path,
					"panic": rec,
					"stack": string(debug.Stack()),
				})
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// the hub needs the raw writer for the upgrade
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if m := mux.CurrentRoute(r); m != nil {
			if tpl, err := m.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		observ.RecordDuration("admin_request", time.Since(start), map[string]string{"route": route})
		observ.Log("admin_request", map[string]any{
			"method":      r.Method,
			"route":       route,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Error("admin_encode_failed", err, nil)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
