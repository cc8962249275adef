package session

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create("u1", "Mathematics", "Calculus")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !regexp.MustCompile(`^session_[0-9a-f]{8}$`).MatchString(s.ID) {
		t.Fatalf("session ID = %q, want session_<8 hex>", s.ID)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Subject != "Mathematics" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerCreateRequiresUser(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Create("  ", "", ""); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("Create() error = %v, want ErrUserRequired", err)
	}
}

func TestManagerRecordQuestion(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("u1", "", "")

	got, err := m.RecordQuestion(s.ID, "u1")
	if err != nil {
		t.Fatalf("RecordQuestion() error = %v", err)
	}
	if got.QuestionCount != 1 {
		t.Fatalf("QuestionCount = %d, want 1", got.QuestionCount)
	}
	if _, err := m.RecordQuestion(s.ID, "intruder"); !errors.Is(err, ErrWrongUser) {
		t.Fatalf("RecordQuestion() error = %v, want ErrWrongUser", err)
	}
	if _, err := m.RecordQuestion("session_missing", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordQuestion() error = %v, want ErrNotFound", err)
	}
	_, _ = m.End(s.ID)
	if _, err := m.RecordQuestion(s.ID, "u1"); !errors.Is(err, ErrEnded) {
		t.Fatalf("RecordQuestion() error = %v, want ErrEnded", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Create("u1", "", "")
	var expired atomic.Int32
	m.SetExpireHook(func(*Session) { expired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
}

func TestManagerSweepForgetsOldEndedSessions(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	s, _ := m.Create("u1", "", "")
	_, _ = m.End(s.ID)

	m.now = func() time.Time { return base.Add(endedGracePeriod + time.Second) }
	m.sweep()
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
