package persist

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	in := sample{Name: "aurelia", Balance: 1_000}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out sample
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteJSON(path, sample{Name: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot, found %d entries", len(entries))
	}
}

func TestReadMissingFile(t *testing.T) {
	var out sample
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestSchemaMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.json")
	if err := os.WriteFile(path, []byte(`{"schema":99,"data":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	var out sample
	if err := ReadJSON(path, &out); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestAppendLogOrderAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	log, err := OpenAppendLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := log.Append(sample{Name: "d", Balance: int64(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := ReadAll[sample](path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Balance != int64(i) {
			t.Fatalf("entry %d out of order: %d", i, entry.Balance)
		}
	}
}

func TestReadAllMissingFile(t *testing.T) {
	entries, err := ReadAll[sample](filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil slice, got %v", entries)
	}
}
