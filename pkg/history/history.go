// Package history provides the append-only conversation ledger for a
// session. Every persist re-applies three retention policies in order
// (age, then count, then total size), so the stored history is always
// within bounds.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is a single message in a conversation.
// Turns are immutable once appended; append order is chronological order.
type Turn struct {
	// ID is the unique identifier for this turn.
	ID string `json:"id"`
	// Role indicates who authored the turn.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Timestamp is when the turn was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn with a fresh ID.
func NewTurn(role Role, content string, at time.Time) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: at,
	}
}

// Limits bounds a session's retained history.
type Limits struct {
	// MaxAge drops turns older than now-MaxAge.
	MaxAge time.Duration
	// MaxTurns caps the number of retained turns; oldest dropped first.
	MaxTurns int
	// MaxChars caps total content length, keeping the most recent turns
	// that fit within the budget.
	MaxChars int
}

// DefaultLimits returns the standard retention bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxAge:   14 * 24 * time.Hour,
		MaxTurns: 300,
		MaxChars: 120_000,
	}
}

// Prune applies the three retention policies in sequence and returns the
// surviving turns. The result is monotonically non-increasing in size.
func Prune(turns []Turn, limits Limits, now time.Time) []Turn {
	// Age: drop turns older than the horizon.
	if limits.MaxAge > 0 {
		horizon := now.Add(-limits.MaxAge)
		kept := turns[:0:0]
		for _, t := range turns {
			if !t.Timestamp.Before(horizon) {
				kept = append(kept, t)
			}
		}
		turns = kept
	}

	// Count: drop oldest beyond the cap.
	if limits.MaxTurns > 0 && len(turns) > limits.MaxTurns {
		turns = turns[len(turns)-limits.MaxTurns:]
	}

	// Size: keep the most recent turns within the character budget.
	if limits.MaxChars > 0 {
		total := 0
		cut := 0
		for i := len(turns) - 1; i >= 0; i-- {
			total += len(turns[i].Content)
			if total > limits.MaxChars {
				cut = i + 1
				break
			}
		}
		turns = turns[cut:]
	}

	return turns
}

const (
	historyKey = "history"
	jobsKey    = "jobs"
)

// Ledger persists a single session's conversation history.
// Not safe for concurrent use; the session actor serializes access.
type Ledger struct {
	store     store.Store
	sessionID string
	limits    Limits
}

// NewLedger creates a ledger for one session.
func NewLedger(st store.Store, sessionID string, limits Limits) *Ledger {
	return &Ledger{store: st, sessionID: sessionID, limits: limits}
}

// Load returns the session's turns in append order.
// A session with no history returns an empty slice.
func (l *Ledger) Load(ctx context.Context) ([]Turn, error) {
	data, err := l.store.Get(ctx, l.sessionID, historyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return turns, nil
}

// Append adds turns to the history and persists the pruned result.
// It returns the full post-prune history.
func (l *Ledger) Append(ctx context.Context, turns ...Turn) ([]Turn, error) {
	current, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}

	current = append(current, turns...)
	return l.persist(ctx, current, time.Now().UTC())
}

// Compact re-applies the retention policies with no new turns.
// Used by maintenance so idle sessions still enforce their bounds.
func (l *Ledger) Compact(ctx context.Context, now time.Time) ([]Turn, error) {
	current, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	return l.persist(ctx, current, now)
}

// Persist prunes and writes an already-loaded history. The caller owns
// the slice and must not mutate it afterwards.
func (l *Ledger) Persist(ctx context.Context, turns []Turn, now time.Time) ([]Turn, error) {
	return l.persist(ctx, turns, now)
}

func (l *Ledger) persist(ctx context.Context, turns []Turn, now time.Time) ([]Turn, error) {
	turns = Prune(turns, l.limits, now)

	data, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	if err := l.store.Put(ctx, l.sessionID, historyKey, data); err != nil {
		return nil, err
	}
	return turns, nil
}

// Clear deletes the history and the session's pending jobs. A cleared
// conversation must not later receive a deferred assistant message.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.sessionID, historyKey); err != nil {
		return err
	}
	return l.store.Delete(ctx, l.sessionID, jobsKey)
}
