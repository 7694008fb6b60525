// Package stream keeps the agent's public decision and highlight feeds.
// Entries append to a JSONL journal and a bounded in-memory window serves
// reads; recording is idempotent by entry ID.
package stream

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sovereignd/persist"
)

var (
	// ErrEmptyBody rejects entries with no text after trimming.
	ErrEmptyBody = errors.New("stream: empty entry body")
)

// Entry is one item in a feed. Body is capped at the feed's character
// limit; overflow is truncated, never rejected.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Ref       string    `json:"ref,omitempty"`
}

// Feed is an append-only stream with a bounded read window.
type Feed struct {
	mu      sync.Mutex
	log     *persist.AppendLog
	entries []Entry
	seen    map[string]struct{}
	window  int
	bodyCap int
	now     func() time.Time
}

// Open loads a feed from its journal. window bounds the in-memory view and
// bodyCap bounds entry text length; zero disables the respective bound.
func Open(path string, window, bodyCap int) (*Feed, error) {
	existing, err := persist.ReadAll[Entry](path)
	if err != nil {
		return nil, err
	}
	log, err := persist.OpenAppendLog(path)
	if err != nil {
		return nil, err
	}
	f := &Feed{
		log:     log,
		seen:    make(map[string]struct{}, len(existing)),
		window:  window,
		bodyCap: bodyCap,
		now:     time.Now,
	}
	for _, e := range existing {
		if _, dup := f.seen[e.ID]; dup {
			continue
		}
		f.seen[e.ID] = struct{}{}
		f.entries = append(f.entries, e)
	}
	f.trimLocked()
	return f, nil
}

// WithClock overrides the feed clock, for tests.
func (f *Feed) WithClock(now func() time.Time) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now != nil {
		f.now = now
	}
	return f
}

// Record appends an entry and returns its ID. Supplying the ID of an
// already-recorded entry is a no-op, so replayed heartbeat steps never
// duplicate feed items.
func (f *Feed) Record(id, kind, body, ref string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if id == "" {
		id = uuid.NewString()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[id]; dup {
		return id, nil
	}
	if f.bodyCap > 0 && len(body) > f.bodyCap {
		body = body[:f.bodyCap]
	}
	entry := Entry{
		ID:        id,
		Timestamp: f.now().UTC(),
		Kind:      strings.TrimSpace(kind),
		Body:      body,
		Ref:       strings.TrimSpace(ref),
	}
	if err := f.log.Append(entry); err != nil {
		return "", err
	}
	f.seen[id] = struct{}{}
	f.entries = append(f.entries, entry)
	f.trimLocked()
	return id, nil
}

// Recent returns up to limit newest entries, newest first. limit <= 0
// returns the full window.
func (f *Feed) Recent(limit int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = f.entries[len(f.entries)-1-i]
	}
	return out
}

// Len reports the current window size.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Close releases the journal handle.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log.Close()
}

func (f *Feed) trimLocked() {
	if f.window <= 0 || len(f.entries) <= f.window {
		return
	}
	dropped := f.entries[:len(f.entries)-f.window]
	for _, e := range dropped {
		delete(f.seen, e.ID)
	}
	f.entries = append([]Entry(nil), f.entries[len(f.entries)-f.window:]...)
}
