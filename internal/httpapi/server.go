package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/jeebuddy/tutor/internal/config"
	"github.com/jeebuddy/tutor/internal/dispatch"
	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/observability"
	"github.com/jeebuddy/tutor/internal/session"
)

// Solver answers questions. *dispatch.Dispatcher satisfies it.
type Solver interface {
	Solve(ctx context.Context, req dispatch.Request) dispatch.Result
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	solver   Solver
	store    history.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
	maxBody  int64
}

func New(cfg config.Config, sessions *session.Manager, solver Solver, store history.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		solver:   solver,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		maxBody:  maxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/api/solve-math", s.handleSolve)
	r.Get("/api/chat-history", s.handleChatHistory)
	r.Get("/api/usage", s.handleUsage)

	r.Post("/api/sessions", s.handleCreateSession)
	r.Get("/api/sessions/{id}", s.handleGetSession)
	r.Post("/api/sessions/{id}/end", s.handleEndSession)
	r.Get("/ws/chat/{session_id}", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"history_store": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if s.solver == nil {
		status, code = "no_solver", http.StatusServiceUnavailable
	} else if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.store.Count(ctx, "readyz"); err != nil {
			status, code = "history_unavailable", http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]any{
		"status":        status,
		"history_store": s.storeMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	sess, err := s.sessions.Create(req.UserID, req.Subject, req.Topic)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Subject:         sess.Subject,
		Topic:           sess.Topic,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) storeMode() string {
	if s.store == nil {
		return "disabled"
	}
	return history.Backend(s.store)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

// maxBodyBytes matches the websocket read limit so both paths accept the same
// image sizes.
const maxBodyBytes = wsReadLimit

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
