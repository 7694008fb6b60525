package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AppendLog is an append-only JSON-lines file. Each Append call writes one
// record and syncs; appends for a given log are totally ordered by the
// internal mutex.
type AppendLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenAppendLog opens (creating if needed) the JSONL file at path.
func OpenAppendLog(path string) (*AppendLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AppendLog{path: path, file: file}, nil
}

// Append serialises v as a single JSON line.
func (l *AppendLog) Append(v any) error {
	if l == nil || l.file == nil {
		return fmt.Errorf("persist: append log not open")
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close releases the underlying file handle.
func (l *AppendLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the log's on-disk location.
func (l *AppendLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// ReadAll decodes every line of a JSONL file into out, which must be a
// pointer to a slice. Blank lines are skipped; a missing file yields an
// empty result.
func ReadAll[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	var out []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry T
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
