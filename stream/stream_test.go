package stream

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecordAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	feed, err := Open(path, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, err := feed.Record("", KindSpend, "paid gas on base", "0xabc")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := feed.Record("", KindIncome, "sold poem for 2 units", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := Open(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reloaded.Close()
	entries := reloaded.Recent(0)
	if len(entries) != 2 {
		t.Fatalf("reloaded %d entries, want 2", len(entries))
	}
	if entries[1].ID != id1 || entries[1].Kind != KindSpend {
		t.Fatalf("oldest entry = %+v, want first record", entries[1])
	}
}

func TestRecordIdempotentByID(t *testing.T) {
	feed, err := Open(filepath.Join(t.TempDir(), "feed.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer feed.Close()
	if _, err := feed.Record("tick-5-spend", KindSpend, "first", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := feed.Record("tick-5-spend", KindSpend, "replayed", ""); err != nil {
		t.Fatalf("Record replay: %v", err)
	}
	if feed.Len() != 1 {
		t.Fatalf("len = %d, want 1", feed.Len())
	}
	if got := feed.Recent(1)[0].Body; got != "first" {
		t.Fatalf("body = %q, replay must not overwrite", got)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	feed, err := Open(filepath.Join(t.TempDir(), "feed.jsonl"), 3, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer feed.Close()
	ids := make([]string, 5)
	for i := range ids {
		id, err := feed.Record("", KindPricing, "adjustment", "")
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		ids[i] = id
	}
	if feed.Len() != 3 {
		t.Fatalf("len = %d, want 3", feed.Len())
	}
	recent := feed.Recent(0)
	if recent[0].ID != ids[4] || recent[2].ID != ids[2] {
		t.Fatalf("window kept wrong entries")
	}
}

func TestBodyCapTruncates(t *testing.T) {
	feed, err := Open(filepath.Join(t.TempDir(), "feed.jsonl"), 0, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer feed.Close()
	if _, err := feed.Record("", KindLifecycle, strings.Repeat("x", 40), ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := feed.Recent(1)[0].Body; len(got) != 10 {
		t.Fatalf("body length = %d, want 10", len(got))
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	feed, err := Open(filepath.Join(t.TempDir(), "feed.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer feed.Close()
	if _, err := feed.Record("", KindSpend, "   ", ""); err != ErrEmptyBody {
		t.Fatalf("err = %v, want ErrEmptyBody", err)
	}
}

func TestClockOverride(t *testing.T) {
	feed, err := Open(filepath.Join(t.TempDir(), "feed.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer feed.Close()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed.WithClock(func() time.Time { return fixed })
	if _, err := feed.Record("", KindPeer, "verified peer", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := feed.Recent(1)[0].Timestamp; !got.Equal(fixed) {
		t.Fatalf("timestamp = %s, want %s", got, fixed)
	}
}
