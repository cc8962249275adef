// Package reliability classifies upstream failures into a small set of codes
// used for fallback decisions, logs and metrics labels.
package reliability

import (
	"context"
	"errors"
	"net"
)

// Code is a coarse failure class.
type Code string

const (
	CodeTimeout       Code = "timeout"
	CodeCanceled      Code = "canceled"
	CodeRateLimited   Code = "rate_limited"
	CodeAuth          Code = "auth"
	CodeBadRequest    Code = "bad_request"
	CodeUpstream      Code = "upstream"
	CodeEmptyResponse Code = "empty_response"
	CodeNetwork       Code = "network"
	CodeUnknown       Code = "unknown"
)

// ClassifyHTTPStatus maps a non-2xx status onto a Code.
func ClassifyHTTPStatus(status int) Code {
	switch {
	case status == 401 || status == 403:
		return CodeAuth
	case status == 408:
		return CodeTimeout
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeUpstream
	case status >= 400:
		return CodeBadRequest
	default:
		return CodeUnknown
	}
}

// ClassifyError maps transport-level errors onto a Code. Errors that carry an
// HTTP status should go through ClassifyHTTPStatus instead.
func ClassifyError(err error) Code {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable reports whether a failure of this class is worth sending to a
// different backend. Caller cancellation is the only terminal class.
func (c Code) Retryable() bool {
	return c != CodeCanceled
}
