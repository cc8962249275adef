// Package protocol defines the JSON payloads exchanged over the chat
// websocket and the question body shared with the HTTP API.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientQuestion MessageType = "question"
	TypeClientControl  MessageType = "client_control"
	TypeChatMessage    MessageType = "chat_message"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions accepted from clients.
const (
	ActionEnd  = "end"
	ActionPing = "ping"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidImage    = errors.New("invalid image payload")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// QuestionContext is the wire form of a question's context. Image is either
// raw base64 or a data URL.
type QuestionContext struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	Subject         string `json:"subject"`
	Topic           string `json:"topic"`
	SelectedText    string `json:"selected_text"`
	PinnedText      string `json:"pinned_text"`
	InteractionType string `json:"interaction_type"`
	Approach        string `json:"approach"`
	DeepThink       bool   `json:"deep_think"`
	HistoryLimit    int    `json:"history_limit"`
	Image           string `json:"image"`
}

type ClientQuestion struct {
	Type     MessageType     `json:"type"`
	Question string          `json:"question"`
	Context  QuestionContext `json:"context"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// ChatMessage carries one answer. Context is the dispatcher's result context.
type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Solution  string      `json:"solution"`
	Outcome   string      `json:"outcome"`
	Context   any         `json:"context"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientQuestion:
		var msg ClientQuestion
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Question) == "" && msg.Context.Image == "" {
			return nil, errors.New("invalid question: question or image required")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionEnd, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// DecodeImage accepts "data:<mime>;base64,<payload>" or bare base64 and
// returns the bytes with their MIME type. Bare payloads are sniffed.
func DecodeImage(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", nil
	}
	mime := ""
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", ErrInvalidImage
		}
		mime = strings.TrimSuffix(header, ";base64")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("%w: unsupported content type %q", ErrInvalidImage, mime)
	}
	return data, mime, nil
}
