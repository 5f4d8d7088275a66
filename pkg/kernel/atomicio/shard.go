package atomicio

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ShardRef locates a record inside a finished or in-flight shard.
type ShardRef struct {
	Shard  string `json:"shard"`         // file name, e.g. yellow_shard_00003.jsonl.gz
	Offset int    `json:"record_offset"` // zero-based record index within the shard
}

// ShardWriter writes gzip-compressed JSONL shards named
// <prefix>_NNNNN.jsonl.gz, rolling at maxRecords. Shards are written as .part
// files and renamed into place on roll or Close, so a completed shard is
// never half-written.
type ShardWriter struct {
	dir        string
	prefix     string
	maxRecords int

	seq     int
	count   int
	f       *os.File
	gz      *gzip.Writer
	current string // final name of the open shard
}

// NewShardWriter creates a shard writer rooted at dir. maxRecords must be
// positive. Numbering continues after existing shards with the same prefix.
func NewShardWriter(dir, prefix string, maxRecords int) (*ShardWriter, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("shard writer: maxRecords must be positive, got %d", maxRecords)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure shard dir: %w", err)
	}
	w := &ShardWriter{dir: dir, prefix: prefix, maxRecords: maxRecords}
	existing, err := filepath.Glob(filepath.Join(dir, prefix+"_*.jsonl.gz"))
	if err != nil {
		return nil, fmt.Errorf("enumerate shards: %w", err)
	}
	w.seq = len(existing)
	return w, nil
}

func (w *ShardWriter) open() error {
	w.current = fmt.Sprintf("%s_%05d.jsonl.gz", w.prefix, w.seq)
	part := filepath.Join(w.dir, w.current) + PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // tool-owned path
	if err != nil {
		return fmt.Errorf("open shard %s: %w", part, err)
	}
	w.f = f
	w.gz = gzip.NewWriter(f)
	w.count = 0
	return nil
}

// Append writes one record and returns its shard reference.
func (w *ShardWriter) Append(v any) (ShardRef, error) {
	if w.f == nil {
		if err := w.open(); err != nil {
			return ShardRef{}, err
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ShardRef{}, fmt.Errorf("marshal shard record: %w", err)
	}
	if _, err := w.gz.Write(append(data, '\n')); err != nil {
		return ShardRef{}, fmt.Errorf("write shard record: %w", err)
	}
	ref := ShardRef{Shard: w.current, Offset: w.count}
	w.count++
	if w.count >= w.maxRecords {
		if err := w.roll(); err != nil {
			return ShardRef{}, err
		}
	}
	return ref, nil
}

// roll finalizes the open shard and advances the sequence.
func (w *ShardWriter) roll() error {
	if w.f == nil {
		return nil
	}
	final := filepath.Join(w.dir, w.current)
	part := final + PartSuffix
	if err := w.gz.Close(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("close gzip %s: %w", part, err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("fsync %s: %w", part, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, final); err != nil {
		return fmt.Errorf("commit shard %s: %w", final, err)
	}
	w.f = nil
	w.gz = nil
	w.seq++
	return nil
}

// Close finalizes the in-flight shard, if any. An empty open shard leaves no
// file behind.
func (w *ShardWriter) Close() error {
	if w.f == nil {
		return nil
	}
	if w.count == 0 {
		part := filepath.Join(w.dir, w.current) + PartSuffix
		_ = w.gz.Close()
		_ = w.f.Close()
		w.f = nil
		return os.Remove(part)
	}
	return w.roll()
}

// ResetPartialShards removes leftover .part shards under dir, typically after
// a crash. Completed shards are never touched.
func ResetPartialShards(dir string) error {
	parts, err := filepath.Glob(filepath.Join(dir, "*"+PartSuffix))
	if err != nil {
		return fmt.Errorf("enumerate partials: %w", err)
	}
	for _, p := range parts {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove partial %s: %w", p, err)
		}
	}
	return nil
}
