package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrEnded         = errors.New("session ended")
	ErrUserRequired  = errors.New("user_id is required")
	ErrWrongUser     = errors.New("session belongs to another user")
	endedGracePeriod = 10 * time.Minute
)

// Session is one chat thread. Its ID is the session_id interactions are
// stored under.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Subject        string    `json:"subject,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	QuestionCount  int       `json:"question_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a session for userID.
func (m *Manager) Create(userID, subject, topic string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserRequired
	}
	now := m.now()
	s := &Session{
		UserID:         userID,
		Subject:        strings.TrimSpace(subject),
		Topic:          strings.TrimSpace(topic),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		s.ID = newSessionID()
		if _, taken := m.sessions[s.ID]; !taken {
			break
		}
	}
	m.sessions[s.ID] = s
	return clone(s), nil
}

// newSessionID returns "session_" followed by eight hex characters.
func newSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// RecordQuestion marks activity on an active session owned by userID.
func (m *Manager) RecordQuestion(sessionID, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	if userID != "" && userID != s.UserID {
		return nil, ErrWrongUser
	}
	s.QuestionCount++
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = m.now()
	return clone(s), nil
}

// StartJanitor expires inactive sessions and forgets ended ones until ctx is
// done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) sweep() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusEnded:
			if now.Sub(s.LastActivityAt) >= endedGracePeriod {
				delete(m.sessions, id)
			}
		case now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			s.Status = StatusEnded
			s.LastActivityAt = now
			expired = append(expired, clone(s))
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
