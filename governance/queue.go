// Package governance holds the creator suggestion queue. Suggestions are
// advisory: the agent evaluates each one itself and publishes the verdict,
// and once the creator relationship ends the queue closes for good.
package governance

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sovereignd/constitution"
	"sovereignd/persist"
)

var (
	ErrQueueFull       = errors.New("governance: suggestion queue full")
	ErrCreatorDetached = errors.New("governance: creator authority has ended")
	ErrEmptySuggestion = errors.New("governance: empty suggestion")
)

// Suggestion statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Suggestion is one creator submission and, once evaluated, its verdict.
type Suggestion struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      string    `json:"status"`
	Reasoning   string    `json:"reasoning,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at,omitempty"`
}

// Sovereignty reports whether the creator still holds suggestion rights.
// The vault satisfies it.
type Sovereignty interface {
	Independent() bool
	CreatorRenounced() bool
}

// Queue is the bounded, persistent suggestion queue. Evaluated entries stay
// on as the public log, truncated to the constitutional cap.
type Queue struct {
	mu          sync.Mutex
	path        string
	sovereignty Sovereignty
	entries     []Suggestion
	now         func() time.Time
}

// OpenQueue loads the queue at path, creating an empty one if missing.
func OpenQueue(path string, sovereignty Sovereignty) (*Queue, error) {
	q := &Queue{path: path, sovereignty: sovereignty, now: time.Now}
	if err := persist.ReadJSON(path, &q.entries); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return q, nil
}

// WithClock overrides the queue clock, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now != nil {
		q.now = now
	}
	return q
}

// Submit appends a creator suggestion. Submissions are refused outright once
// the agent is independent or the creator has renounced, and when the queue
// is at capacity.
func (q *Queue) Submit(from, text string) (Suggestion, error) {
	if q.sovereignty != nil && (q.sovereignty.Independent() || q.sovereignty.CreatorRenounced()) {
		return Suggestion{}, ErrCreatorDetached
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Suggestion{}, ErrEmptySuggestion
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingLocked() >= constitution.SuggestionQueueCap {
		return Suggestion{}, ErrQueueFull
	}
	s := Suggestion{
		ID:          uuid.NewString(),
		From:        from,
		Text:        text,
		SubmittedAt: q.now().UTC(),
		Status:      StatusPending,
	}
	q.entries = append(q.entries, s)
	q.trimLocked()
	if err := q.saveLocked(); err != nil {
		return Suggestion{}, err
	}
	return s, nil
}

// Pending returns copies of the unevaluated suggestions, oldest first.
func (q *Queue) Pending() []Suggestion {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Suggestion
	for _, s := range q.entries {
		if s.Status == StatusPending {
			out = append(out, s)
		}
	}
	return out
}

// Log returns the newest limit entries of the public log, newest first.
func (q *Queue) Log(limit int) []Suggestion {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Suggestion, 0, n)
	for i := len(q.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, q.entries[i])
	}
	return out
}

// Resolve records the verdict for a pending suggestion.
func (q *Queue) Resolve(id string, accepted bool, reasoning string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID != id {
			continue
		}
		if q.entries[i].Status != StatusPending {
			return fmt.Errorf("governance: suggestion %s already %s", id, q.entries[i].Status)
		}
		if accepted {
			q.entries[i].Status = StatusAccepted
		} else {
			q.entries[i].Status = StatusRejected
		}
		q.entries[i].Reasoning = reasoning
		q.entries[i].EvaluatedAt = q.now().UTC()
		return q.saveLocked()
	}
	return fmt.Errorf("governance: unknown suggestion %s", id)
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, s := range q.entries {
		if s.Status == StatusPending {
			n++
		}
	}
	return n
}

// trimLocked drops the oldest evaluated entries once the log exceeds the
// cap. Pending entries are never evicted.
func (q *Queue) trimLocked() {
	excess := len(q.entries) - constitution.SuggestionQueueCap
	if excess <= 0 {
		return
	}
	kept := make([]Suggestion, 0, len(q.entries))
	for _, s := range q.entries {
		if excess > 0 && s.Status != StatusPending {
			excess--
			continue
		}
		kept = append(kept, s)
	}
	q.entries = kept
}

func (q *Queue) saveLocked() error {
	return persist.WriteJSON(q.path, q.entries)
}
