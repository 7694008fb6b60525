// Package persist provides the disk primitives shared by every snapshot the
// runtime writes: atomic JSON replacement and append-only JSON-lines logs.
// All artifacts carry a top-level schema version.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SchemaVersion tags every persisted JSON artifact.
const SchemaVersion = 1

// envelope wraps a payload with its schema version.
type envelope struct {
	Schema int             `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

// ErrSchemaMismatch is returned when a snapshot on disk carries an
// unsupported schema version.
var ErrSchemaMismatch = errors.New("persist: unsupported snapshot schema")

// WriteJSON marshals v and replaces path atomically: the payload is written
// to a temp file in the same directory, fsynced, then renamed over path.
func WriteJSON(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	wrapped, err := json.MarshalIndent(envelope{Schema: SchemaVersion, Data: payload}, "", "  ")
	if err != nil {
		return fmt.Errorf("wrap snapshot: %w", err)
	}
	return WriteBytes(path, wrapped)
}

// WriteBytes atomically replaces path with the supplied contents.
func WriteBytes(path string, contents []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadJSON loads an atomically written snapshot into v. A missing file is
// reported via fs.ErrNotExist so callers can boot from empty state.
func ReadJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if env.Schema != SchemaVersion {
		return fmt.Errorf("%w: %s schema %d", ErrSchemaMismatch, path, env.Schema)
	}
	return json.Unmarshal(env.Data, v)
}

// Exists reports whether a snapshot is present on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
