package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jeebuddy/tutor/internal/dispatch"
	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/protocol"
)

const defaultImageQuestion = "Analyze this image."

type solveRequest struct {
	Question string                   `json:"question"`
	Context  protocol.QuestionContext `json:"context"`
}

type chatHistoryResponse struct {
	UserID      string                `json:"user_id"`
	SessionID   string                `json:"session_id,omitempty"`
	ChatHistory []history.PeriodGroup `json:"chat_history"`
	TotalCount  int                   `json:"total_count"`
}

type usageResponse struct {
	UserID       string `json:"user_id"`
	Interactions int    `json:"interactions"`
	MaxHistory   int    `json:"max_history"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if s.solver == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "solver not configured")
		return
	}
	var body solveRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		respondDecodeError(w, err)
		return
	}
	req, err := toDispatchRequest(body.Question, body.Context)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}
	req, err = dispatch.Validate(req)
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, "invalid_"+verr.Field, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Managed sessions are optional for HTTP callers; keep known ones alive.
	if id := req.Context.SessionID; id != "" && s.sessions != nil {
		_ = s.sessions.Touch(id)
	}

	respondJSON(w, http.StatusOK, s.solver.Solve(r.Context(), req))
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	if s.store == nil {
		respondJSON(w, http.StatusOK, chatHistoryResponse{UserID: userID, SessionID: sessionID, ChatHistory: []history.PeriodGroup{}})
		return
	}

	items, err := s.store.Recent(r.Context(), userID, sessionID, 0)
	if err != nil {
		s.metrics.ObserveHistoryError("recent")
		s.logger.Error("chat history read failed", "user_id", userID, "session_id", sessionID, "err", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", "could not load chat history")
		return
	}
	groups := history.GroupByPeriod(items, s.now(), time.UTC)
	total := 0
	for _, g := range groups {
		total += len(g.Chats)
	}
	respondJSON(w, http.StatusOK, chatHistoryResponse{
		UserID:      userID,
		SessionID:   sessionID,
		ChatHistory: groups,
		TotalCount:  total,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	n := 0
	if s.store != nil {
		var err error
		n, err = s.store.Count(r.Context(), userID)
		if err != nil {
			s.metrics.ObserveHistoryError("count")
			respondError(w, http.StatusInternalServerError, "history_unavailable", "could not count interactions")
			return
		}
	}
	respondJSON(w, http.StatusOK, usageResponse{
		UserID:       userID,
		Interactions: n,
		MaxHistory:   s.cfg.HistoryMax,
	})
}

func toDispatchRequest(question string, qc protocol.QuestionContext) (dispatch.Request, error) {
	img, mime, err := protocol.DecodeImage(qc.Image)
	if err != nil {
		return dispatch.Request{}, err
	}
	if strings.TrimSpace(question) == "" && len(img) > 0 {
		question = defaultImageQuestion
	}
	return dispatch.Request{
		Question: question,
		Context: dispatch.Context{
			UserID:          qc.UserID,
			SessionID:       qc.SessionID,
			Subject:         qc.Subject,
			Topic:           qc.Topic,
			SelectedText:    qc.SelectedText,
			PinnedText:      qc.PinnedText,
			InteractionType: qc.InteractionType,
			Approach:        qc.Approach,
			DeepThink:       qc.DeepThink,
			HistoryLimit:    qc.HistoryLimit,
			Image:           img,
			ImageMIME:       mime,
		},
	}, nil
}
