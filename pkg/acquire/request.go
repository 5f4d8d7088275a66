package acquire

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/kernel/checkpoint"
	"github.com/corpusvet/corpusvet/pkg/kernel/ratelimit"
)

// Request carries everything a strategy handler needs for one target.
// Per-target processing is single-threaded, so the byte budget is plain
// state, not shared.
type Request struct {
	Row       *classify.QueueRow
	DestDir   string // raw/{bucket}/{pool}/{target_id}
	MaxBytes  int64
	AllowHuge bool
	Execute   bool

	Client     *retryablehttp.Client
	Limiter    *ratelimit.HostLimiter
	Checkpoint *checkpoint.Store
	State      *checkpoint.State
	Log        *slog.Logger

	used int64
}

// FileResult is the per-file outcome recorded in acquire_done.json.
type FileResult struct {
	Path   string `json:"path"` // relative to DestDir
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256,omitempty"`
	Status string `json:"status"` // ok | skipped | oversized | failed
	Reason string `json:"reason,omitempty"`
}

// Target statuses. A target is the unit of failure; file-level outcomes roll
// up through worstStatus.
const (
	StatusOK        = "ok"
	StatusSkipped   = "skipped"
	StatusOversized = "oversized"
	StatusFailed    = "failed"
)

// Remaining returns the unspent byte budget.
func (r *Request) Remaining() int64 {
	if r.MaxBytes <= 0 {
		return 1 << 62
	}
	return r.MaxBytes - r.used
}

// Spend records consumed budget.
func (r *Request) Spend(n int64) { r.used += n }

// OverBudget reports whether the budget is exhausted.
func (r *Request) OverBudget() bool { return r.MaxBytes > 0 && r.used > r.MaxBytes }

// AlreadyDone consults the resume checkpoint for a completed unit, returning
// its recorded digest.
func (r *Request) AlreadyDone(unit string) (string, bool) {
	if r.State == nil || r.State.Completed == nil {
		return "", false
	}
	sum, ok := r.State.Completed[unit]
	return sum, ok
}

// MarkDone records a completed unit in the checkpoint.
func (r *Request) MarkDone(unit, sha256 string) error {
	if r.Checkpoint == nil || r.State == nil {
		return nil
	}
	return r.Checkpoint.MarkCompleted(r.State, unit, sha256)
}

// StringParam reads a string parameter from the download block.
func (r *Request) StringParam(key string) string {
	if v, ok := r.Row.Download.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// StringsParam reads a string-list parameter from the download block.
func (r *Request) StringsParam(key string) []string {
	v, ok := r.Row.Download.Params[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

// contentTypeAllowed applies the download content-type policy: an allowlist
// of data-shaped types. Script subtypes are refused even under text/*.
func contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	if ct == "" {
		return true // servers frequently omit it; the byte budget still applies
	}
	switch ct {
	case "text/javascript", "text/ecmascript":
		return false
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	allowed := []string{
		"application/json", "application/x-ndjson", "application/jsonl",
		"application/xml", "application/csv", "application/parquet",
		"application/x-parquet", "application/pdf",
		"application/gzip", "application/x-gzip", "application/zip",
		"application/x-tar", "application/x-bzip2", "application/x-xz",
		"application/zstd", "application/octet-stream",
	}
	for _, a := range allowed {
		if ct == a {
			return true
		}
	}
	return false
}
