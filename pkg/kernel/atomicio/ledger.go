package atomicio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Ledger is an append-only JSONL file. Rows are never rewritten; each worker
// appends one complete line per call, so line-level atomicity holds under
// O_APPEND even with concurrent appenders.
type Ledger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenLedger opens (creating if needed) an append-only JSONL ledger.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // ledger path is tool-owned
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return &Ledger{path: path, f: f}, nil
}

// Append marshals v and appends it as a single line.
func (l *Ledger) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ledger row: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return nil
}

// Sync flushes the ledger to disk.
func (l *Ledger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Sync()
}

// Close syncs and closes the ledger.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }
