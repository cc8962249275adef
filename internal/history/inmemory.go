package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use. Each user has its
// own lock so appends for different users never contend.
type InMemoryStore struct {
	opts Options
	seq  atomic.Int64

	mu    sync.RWMutex
	users map[string]*userLog

	now func() time.Time
}

type userLog struct {
	mu    sync.RWMutex
	items []Interaction // oldest first
	last  time.Time
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		opts:  opts.normalized(),
		users: make(map[string]*userLog),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) log(userID string, create bool) *userLog {
	s.mu.RLock()
	l := s.users[userID]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.users[userID]; l == nil {
		l = &userLog{}
		s.users[userID] = l
	}
	return l
}

func (s *InMemoryStore) Append(ctx context.Context, rec Interaction) (Interaction, error) {
	if rec.UserID == "" || rec.SessionID == "" {
		return Interaction{}, ErrIncompleteScope
	}
	if err := ctx.Err(); err != nil {
		return Interaction{}, err
	}

	l := s.log(rec.UserID, true)
	l.mu.Lock()
	rec.ID = uuid.NewString()
	rec.Seq = s.seq.Add(1)
	rec.Metadata = cloneMetadata(rec.Metadata)
	rec.CreatedAt = s.now()
	if !rec.CreatedAt.After(l.last) {
		rec.CreatedAt = l.last.Add(time.Microsecond)
	}
	l.last = rec.CreatedAt
	l.items = append(l.items, rec)
	evicted := l.evict(s.opts, rec.SessionID)
	l.mu.Unlock()

	s.opts.notifyEvict(rec.UserID, evicted)
	return rec, nil
}

// evict drops the oldest entries in scope beyond the bound. Caller holds l.mu.
func (l *userLog) evict(opts Options, sessionID string) int {
	inScope := func(it Interaction) bool {
		return opts.Scope == ScopeUser || it.SessionID == sessionID
	}
	count := 0
	for _, it := range l.items {
		if inScope(it) {
			count++
		}
	}
	excess := count - opts.MaxHistory
	if excess <= 0 {
		return 0
	}
	kept := l.items[:0]
	removed := 0
	for _, it := range l.items {
		if removed < excess && inScope(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	clear(l.items[len(kept):])
	l.items = kept
	return removed
}

func (s *InMemoryStore) Recent(ctx context.Context, userID, sessionID string, limit int) ([]Interaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []Interaction{}
	l := s.log(userID, false)
	if l == nil {
		return out, nil
	}
	limit = s.opts.clampLimit(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.items) - 1; i >= 0 && len(out) < limit; i-- {
		it := l.items[i]
		if sessionID != "" && it.SessionID != sessionID {
			continue
		}
		it.Metadata = cloneMetadata(it.Metadata)
		out = append(out, it)
	}
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context, userID string) (int, error) {
	l := s.log(userID, false)
	if l == nil {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items), nil
}

func (s *InMemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	logs := make([]*userLog, 0, len(s.users))
	for _, l := range s.users {
		logs = append(logs, l)
	}
	s.mu.RUnlock()

	var purged int64
	for _, l := range logs {
		l.mu.Lock()
		kept := l.items[:0]
		for _, it := range l.items {
			if it.CreatedAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, it)
		}
		clear(l.items[len(kept):])
		l.items = kept
		l.mu.Unlock()
	}
	return purged, nil
}

func (s *InMemoryStore) Close() error { return nil }
