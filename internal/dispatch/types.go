// Package dispatch turns a student question into an answer by assembling a
// prompt from bounded history and calling LLM providers in order.
package dispatch

import (
	"github.com/jeebuddy/tutor/internal/history"
)

// Context carries everything the caller knows about a question. Only the
// question itself is required.
type Context struct {
	UserID          string `json:"user_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Subject         string `json:"subject,omitempty"`
	Topic           string `json:"topic,omitempty"`
	SelectedText    string `json:"selected_text,omitempty"`
	PinnedText      string `json:"pinned_text,omitempty"`
	InteractionType string `json:"interaction_type,omitempty"`
	Approach        string `json:"approach,omitempty"`
	DeepThink       bool   `json:"deep_think"`
	HistoryLimit    int    `json:"history_limit,omitempty"`

	Image     []byte `json:"-"`
	ImageMIME string `json:"-"`
}

// HasImage reports whether the question carries an image payload.
func (c Context) HasImage() bool { return len(c.Image) > 0 }

// CanPersist reports whether the scope is complete enough to store the
// interaction. Anonymous questions are answered but not persisted.
func (c Context) CanPersist() bool { return c.UserID != "" && c.SessionID != "" }

type Request struct {
	Question string  `json:"question"`
	Context  Context `json:"context"`
}

// Outcome is the terminal state of one Solve call.
type Outcome string

const (
	OutcomeSolved   Outcome = "solved"
	OutcomeGreeting Outcome = "greeting"
	OutcomeFailed   Outcome = "failed"
)

// ResultContext echoes the request context alongside what the dispatcher
// produced.
type ResultContext struct {
	CurrentQuestion string                `json:"current_question"`
	UserID          string                `json:"user_id"`
	SessionID       string                `json:"session_id"`
	Subject         string                `json:"subject"`
	Topic           string                `json:"topic"`
	SelectedText    string                `json:"selected_text,omitempty"`
	PinnedText      string                `json:"pinned_text,omitempty"`
	InteractionType string                `json:"interaction_type"`
	DeepThink       bool                  `json:"deep_think"`
	HasImage        bool                  `json:"has_image"`
	Response        string                `json:"response"`
	ChatHistory     []history.Interaction `json:"chat_history"`
	ApproachUsed    string                `json:"approach_used,omitempty"`
	Provider        string                `json:"provider,omitempty"`
	Model           string                `json:"model,omitempty"`
	Persisted       bool                  `json:"persisted"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Result is the normalized answer. Failures are expressed through Outcome and
// an apologetic Solution, never through an error.
type Result struct {
	Solution string        `json:"solution"`
	Outcome  Outcome       `json:"outcome"`
	Context  ResultContext `json:"context"`
}

func echo(req Request) ResultContext {
	c := req.Context
	return ResultContext{
		CurrentQuestion: req.Question,
		UserID:          c.UserID,
		SessionID:       c.SessionID,
		Subject:         c.Subject,
		Topic:           c.Topic,
		SelectedText:    c.SelectedText,
		PinnedText:      c.PinnedText,
		InteractionType: c.InteractionType,
		DeepThink:       c.DeepThink,
		HasImage:        c.HasImage(),
		ChatHistory:     []history.Interaction{},
	}
}
