// Package history keeps a bounded, per-user log of question/answer
// interactions.
package history

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxHistory is the retained-interaction bound used when Options leave
// it unset.
const DefaultMaxHistory = 20

// ErrIncompleteScope is returned by Append when the user or session ID is
// missing. Callers without both IDs skip persistence.
var ErrIncompleteScope = errors.New("history: user_id and session_id are required")

// Interaction is one persisted question/answer exchange. Metadata is stored
// as given and never interpreted by the store.
type Interaction struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"-"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Question  string         `json:"question"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EvictionScope selects the key the retention bound is counted against.
type EvictionScope string

const (
	ScopeUser    EvictionScope = "user"
	ScopeSession EvictionScope = "session"
)

// Options configures every Store implementation.
type Options struct {
	MaxHistory int
	Scope      EvictionScope
	// OnEvict, when set, is called with the number of rows removed by an
	// Append. It runs after the append has committed.
	OnEvict func(userID string, evicted int)
}

func (o Options) normalized() Options {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.Scope != ScopeSession {
		o.Scope = ScopeUser
	}
	return o
}

func (o Options) notifyEvict(userID string, n int) {
	if n > 0 && o.OnEvict != nil {
		o.OnEvict(userID, n)
	}
}

// clampLimit applies the read-limit rules: unset means the bound, anything
// above the bound is clamped to it.
func (o Options) clampLimit(limit int) int {
	if limit <= 0 || limit > o.MaxHistory {
		return o.MaxHistory
	}
	return limit
}

// Store is a durable bounded interaction log.
//
// Append inserts rec and evicts the oldest interactions beyond the bound in
// one atomic step per user. Recent returns up to limit interactions newest
// first; an empty sessionID reads across every session of the user.
type Store interface {
	Append(ctx context.Context, rec Interaction) (Interaction, error)
	Recent(ctx context.Context, userID, sessionID string, limit int) ([]Interaction, error)
	Count(ctx context.Context, userID string) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
