package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/lifecycle"
	"github.com/Rajchodisetti/trading-core/internal/narration"
	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// operatorRequest is the body of breaker and close POSTs
type operatorRequest struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func decodeOperator(r *http.Request) (operatorRequest, error) {
	var req operatorRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return req, err
	}
	if len(body) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.deps.Controller != nil {
		out["controller"] = s.deps.Controller.Status()
	}
	if s.deps.Breaker != nil {
		out["breaker"] = s.deps.Breaker.Status()
	}
	if s.deps.Rules != nil {
		out["rules"] = s.deps.Rules()
	}
	if s.deps.Sizing != nil {
		out["sizing"] = s.deps.Sizing()
	}
	if s.deps.Hub != nil {
		out["ws_clients"] = s.deps.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeJSON(w, http.StatusOK, []lifecycle.Position{})
		return
	}
	ps := s.deps.Controller.Positions()
	if ps == nil {
		ps = []lifecycle.Position{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeJSON(w, http.StatusOK, []lifecycle.Position{})
		return
	}
	ps := s.deps.Controller.Recent(intParam(r, "limit", 50))
	if ps == nil {
		ps = []lifecycle.Position{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Controller == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	p, ok := s.deps.Controller.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "controller not running")
		return
	}
	req, _ := decodeOperator(r)
	err := s.deps.Controller.Close(id)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrNotOpen):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		observ.Log("operator_close_requested", map[string]any{"position_id": id, "user": req.User, "reason": req.Reason})
		writeJSON(w, http.StatusAccepted, map[string]string{"position_id": id, "status": "closing"})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, []narration.Event{})
		return
	}
	var kinds []narration.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, narration.Kind(k))
	}
	evs := s.deps.Events.Events(intParam(r, "limit", 100), kinds...)
	if evs == nil {
		evs = []narration.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breaker.Status())
}

func (s *Server) handleBreakerHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not configured")
		return
	}
	var kinds []breaker.EventKind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, breaker.EventKind(k))
	}
	evs := s.deps.Breaker.History(intParam(r, "limit", 20), kinds...)
	if evs == nil {
		evs = []breaker.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not configured")
		return
	}
	req, err := decodeOperator(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	ev := s.deps.Breaker.Reset(req.User, req.Reason)
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleBreakerStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not configured")
		return
	}
	req, err := decodeOperator(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	d := s.deps.Breaker.ManualStop(req.User, req.Reason)
	writeJSON(w, http.StatusOK, d)
}
