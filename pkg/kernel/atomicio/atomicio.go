// Package atomicio provides the write discipline every final corpusvet
// artifact goes through: write <path>.part, fsync, rename. A crash leaves at
// worst a .part file; a final artifact is never half-written.
package atomicio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PartSuffix marks in-flight files. Readers ignore it; resume reclaims it.
const PartSuffix = ".part"

// WriteAtomic writes data to path via a .part sibling and atomic rename.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", path, err)
	}
	part := path + PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return fmt.Errorf("write %s: %w", part, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return fmt.Errorf("fsync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, append(data, '\n'), 0o644)
}

// ReadJSON reads path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // paths are produced by this tool
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ForEachJSONLine streams a JSONL file line by line into fn. The raw slice is
// only valid for the duration of the call.
func ForEachJSONLine(path string, fn func(line []byte) error) error {
	f, err := os.Open(path) //nolint:gosec // paths are produced by this tool
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only close

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}
