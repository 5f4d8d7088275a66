// Package logging wires slog for corpusvet: JSON logs to the run log file,
// text to stderr, and a redaction pre-filter that scrubs secrets from both
// messages and attribute values before anything is emitted.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api_key|apikey|api-key)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)(token|access_token|secret)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)authorization:\s*bearer\s+\S+`),
	regexp.MustCompile(`(?i)(aws_secret_access_key)\s*[=:]\s*\S+`),
	regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`), // userinfo in URLs
}

// Redact replaces secret-bearing substrings with [REDACTED] markers.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if i := indexSepByte(m); i >= 0 {
				return m[:i+1] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}

func indexSepByte(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' || s[i] == ':' {
			return i
		}
	}
	return -1
}

// redactingHandler rewrites records before delegating to the wrapped handler.
type redactingHandler struct {
	inner slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	return a
}

// fanout duplicates records to multiple handlers.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if h.Enabled(ctx, rec.Level) {
			if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: out}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanout{handlers: out}
}

// NewRedacting wraps w in a redacting JSON slog.Logger. Used directly in
// tests; Setup builds the full run logger.
func NewRedacting(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(&redactingHandler{inner: h})
}

// Setup builds the run logger: redacted JSON to logs_root/run_<id>.log plus
// redacted text to stderr. The returned closer flushes the log file.
func Setup(logsRoot, runID string, level slog.Level) (*slog.Logger, func() error, error) {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(logsRoot, "run_"+runID+".log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // tool-owned path
	if err != nil {
		return nil, nil, err
	}
	h := &redactingHandler{inner: &fanout{handlers: []slog.Handler{
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}),
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}}}
	logger := slog.New(h).With("run_id", runID)
	return logger, f.Close, nil
}
