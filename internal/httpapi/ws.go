package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jeebuddy/tutor/internal/dispatch"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/protocol"
	"github.com/jeebuddy/tutor/internal/session"
)

const (
	wsReadLimit    = 16 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if s.solver == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "solver not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", session.ErrEnded.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")
	logger := s.logger.With("session_id", sess.ID, "user_id", sess.UserID)

	ctx, cancel := context.WithCancel(logging.With(r.Context(), logger))
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 64)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.serveChat(ctx, cancel, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Warn("websocket write failed", "err", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	go func() {
		// Unblock ReadMessage once the worker or writer gives up.
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(outbound, errorEvent(sess.ID, "invalid_client_message", false, err.Error()))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// serveChat answers inbound messages one at a time so replies keep question
// order.
func (s *Server) serveChat(ctx context.Context, cancel context.CancelFunc, sess *session.Session, inbound <-chan any, outbound chan<- any) {
	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ClientQuestion:
			s.answer(ctx, sess, m, outbound)
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionPing:
				_ = s.sessions.Touch(sess.ID)
				s.enqueue(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sess.ID, Code: "pong"})
			case protocol.ActionEnd:
				if _, err := s.sessions.End(sess.ID); err == nil {
					s.metrics.SetActiveSessions(s.sessions.ActiveCount())
					s.metrics.ObserveSessionEvent("ended")
				}
				s.enqueue(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sess.ID, Code: "session_ended"})
				// Give the writer a moment to flush before tearing down.
				time.Sleep(50 * time.Millisecond)
				cancel()
			}
		}
	}
}

func (s *Server) answer(ctx context.Context, sess *session.Session, q protocol.ClientQuestion, outbound chan<- any) {
	if _, err := s.sessions.RecordQuestion(sess.ID, sess.UserID); err != nil {
		code := "session_error"
		if errors.Is(err, session.ErrEnded) {
			code = "session_ended"
		}
		s.enqueue(outbound, errorEvent(sess.ID, code, false, err.Error()))
		return
	}

	// The connection's session owns the scope, whatever the client claims.
	q.Context.UserID = sess.UserID
	q.Context.SessionID = sess.ID

	req, err := toDispatchRequest(q.Question, q.Context)
	if err == nil {
		req, err = dispatch.Validate(req)
	}
	if err != nil {
		s.enqueue(outbound, errorEvent(sess.ID, "invalid_question", false, err.Error()))
		return
	}

	res := s.solver.Solve(ctx, req)
	if ctx.Err() != nil {
		return
	}
	if res.Outcome == dispatch.OutcomeFailed {
		// Every provider failed; asking again later may succeed.
		s.enqueue(outbound, errorEvent(sess.ID, "dispatch_failed", true, res.Solution))
		return
	}
	s.enqueue(outbound, protocol.ChatMessage{
		Type:      protocol.TypeChatMessage,
		SessionID: sess.ID,
		Solution:  res.Solution,
		Outcome:   string(res.Outcome),
		Context:   res.Context,
	})
}

func errorEvent(sessionID, code string, retryable bool, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	}
}

// enqueue keeps websocket writes on the writer goroutine and drops when the
// queue is saturated.
func (s *Server) enqueue(outbound chan<- any, msg any) {
	t, _ := messageTypeOf(msg)
	select {
	case outbound <- msg:
	default:
		s.metrics.ObserveWSMessage("dropped", string(t))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientQuestion:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ChatMessage:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
