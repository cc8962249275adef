package session

import "time"

// CreateRequest defines payload for opening a chat session.
type CreateRequest struct {
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
	Topic   string `json:"topic"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Subject         string    `json:"subject,omitempty"`
	Topic           string    `json:"topic,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
