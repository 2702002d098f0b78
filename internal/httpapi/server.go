package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vesper-ai/vesper/internal/config"
	"github.com/vesper-ai/vesper/internal/iot"
	"github.com/vesper-ai/vesper/internal/observability"
	"github.com/vesper-ai/vesper/internal/session"
)

// Server is the local control surface. It never touches engine state
// directly; intents enter the same serialized event path as everything
// else.
type Server struct {
	cfg      config.Config
	engine   *session.Engine
	registry *iot.Registry
	metrics  *observability.Metrics
}

func New(cfg config.Config, engine *session.Engine, registry *iot.Registry, metrics *observability.Metrics) *Server {
	return &Server{cfg: cfg, engine: engine, registry: registry, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/state", s.handleState)
	r.Get("/v1/things", s.handleThings)
	r.Post("/v1/intent", s.handleIntent)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.engine.CurrentState(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleThings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"things": s.registry.Descriptors(),
	})
}

type intentRequest struct {
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	action := session.IntentAction(strings.TrimSpace(req.Action))
	switch action {
	case session.IntentStart, session.IntentStop, session.IntentToggle, session.IntentAbort:
	case session.IntentMode:
		switch req.Mode {
		case config.ModePushToTalk, config.ModeAuto, config.ModeWakeWord:
		default:
			respondError(w, http.StatusBadRequest, "invalid_mode", "unknown listen mode "+req.Mode)
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "invalid_action", "unknown action "+req.Action)
		return
	}
	s.engine.Intent(action, req.Mode)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
