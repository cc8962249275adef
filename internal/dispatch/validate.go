package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxQuestionRunes = 8000
	maxImageBytes    = 10 << 20

	defaultInteractionType = "solve"
)

// ErrEmptyQuestion is wrapped by the ValidationError for a blank question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// ValidationError rejects a request before it reaches the dispatcher.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Normalize trims free-text fields and fills defaults. It is idempotent.
func Normalize(req Request) Request {
	req.Question = strings.TrimSpace(req.Question)
	c := &req.Context
	c.UserID = strings.TrimSpace(c.UserID)
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.Subject = strings.TrimSpace(c.Subject)
	c.Topic = strings.TrimSpace(c.Topic)
	c.SelectedText = strings.TrimSpace(c.SelectedText)
	c.PinnedText = strings.TrimSpace(c.PinnedText)
	c.InteractionType = strings.ToLower(strings.TrimSpace(c.InteractionType))
	if c.InteractionType == "" {
		c.InteractionType = defaultInteractionType
	}
	c.Approach = strings.ToLower(strings.TrimSpace(c.Approach))
	if c.Approach == "" {
		c.Approach = ApproachAuto
	}
	return req
}

// Validate normalizes req and checks it. The returned request is the one to
// dispatch.
func Validate(req Request) (Request, error) {
	req = Normalize(req)
	if req.Question == "" {
		return req, &ValidationError{Field: "question", Err: ErrEmptyQuestion}
	}
	if n := utf8.RuneCountInString(req.Question); n > maxQuestionRunes {
		return req, invalid("question", "too long: %d characters, limit %d", n, maxQuestionRunes)
	}
	if req.Context.HistoryLimit < 0 {
		return req, invalid("history_limit", "must be >= 0")
	}
	if a := req.Context.Approach; a != ApproachAuto && !knownApproach(a) {
		return req, invalid("approach", "must be one of %s or auto, got %q", strings.Join(approachNames(), ", "), a)
	}
	if len(req.Context.Image) > maxImageBytes {
		return req, invalid("image", "exceeds %d bytes", maxImageBytes)
	}
	return req, nil
}
