package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/ratelimit"
	"github.com/corpusvet/corpusvet/pkg/record"
)

// Fetcher retrieves and snapshots license evidence pages.
type Fetcher struct {
	client       *retryablehttp.Client
	limiter      *ratelimit.HostLimiter
	log          *slog.Logger
	changePolicy string
	maxBytes     int64
}

// FetcherConfig tunes the fetcher.
type FetcherConfig struct {
	ChangePolicy string // "either" (default) or "normalized"
	MaxBytes     int64  // evidence payload cap; default 32 MiB
	RetryMax     int
	Timeout      time.Duration
}

// NewFetcher builds a fetcher with bounded retries, capped backoff, and
// redirect re-validation.
func NewFetcher(limiter *ratelimit.HostLimiter, log *slog.Logger, cfg FetcherConfig) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 << 20
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ChangePolicy == "" {
		cfg.ChangePolicy = "either"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 15 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = cfg.Timeout
	client.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		_, err := ValidateURL(req.URL.String())
		return err
	}

	return &Fetcher{
		client:       client,
		limiter:      limiter,
		log:          log.With("component", "evidence"),
		changePolicy: cfg.ChangePolicy,
		maxBytes:     cfg.MaxBytes,
	}
}

// HTTPClient exposes the shared retrying client so acquisition reuses the
// same retry and redirect policy.
func (f *Fetcher) HTTPClient() *retryablehttp.Client { return f.client }

// Fetch retrieves the evidence document for a target into dir and returns
// the current snapshot plus its extracted text. In offline mode the last
// snapshot is reused; a missing snapshot offline is an EvidenceError with
// reason "evidence_missing_offline" (the classifier forces such targets
// YELLOW).
func (f *Fetcher) Fetch(ctx context.Context, dir, rawURL string, offline bool) (*Snapshot, string, error) {
	if offline {
		return f.loadOffline(dir)
	}

	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	if err := f.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, "", faults.Network("evidence.fetch", "rate_limit_wait_interrupted", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", faults.Network("evidence.fetch", "request_build_failed", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", faults.Network("evidence.fetch", "retries_exhausted", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode != http.StatusOK {
		return nil, "", faults.Network("evidence.fetch", "http_status_not_ok",
			fmt.Errorf("GET %s: %s", u, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", faults.Network("evidence.fetch", "body_read_failed", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", faults.Integrity("evidence.fetch", "evidence_oversized",
			fmt.Errorf("payload exceeds %d bytes", f.maxBytes))
	}

	cur, text := buildSnapshot(resp.Header.Get("Content-Type"), resp.Request.URL.String(), body)

	prev, had, err := LoadSidecar(dir)
	if err != nil {
		return nil, "", faults.Resource("evidence.fetch", "sidecar_unreadable", err)
	}
	if had && !Changed(prev, cur, f.changePolicy) {
		// unchanged source: keep existing filenames and hashes untouched
		f.log.Debug("evidence unchanged", "url", rawURL)
		return prev, text, nil
	}

	if err := f.commit(dir, cur, body); err != nil {
		return nil, "", err
	}
	f.log.Info("evidence snapshot written",
		"url", rawURL, "sha256_raw", cur.SHA256RawBytes,
		"extraction_failed", cur.TextExtractionFailed)
	return cur, text, nil
}

func (f *Fetcher) loadOffline(dir string) (*Snapshot, string, error) {
	snap, ok, err := LoadSidecar(dir)
	if err != nil {
		return nil, "", faults.Resource("evidence.fetch", "sidecar_unreadable", err)
	}
	if !ok {
		return nil, "", faults.Evidence("evidence.fetch", "evidence_missing_offline", nil)
	}
	body, err := os.ReadFile(CurrentPath(dir, snap)) //nolint:gosec // tool-owned path
	if err != nil {
		return nil, "", faults.Resource("evidence.fetch", "evidence_file_unreadable", err)
	}
	text, err := ExtractText(snap.ContentType, body)
	if err != nil {
		text = ""
	}
	return snap, text, nil
}

// buildSnapshot hashes the payload and attempts text extraction. When
// extraction fails the normalized hash falls back to the raw hash and the
// snapshot is flagged, which forces raw-hash equality in staleness checks.
func buildSnapshot(contentType, finalURL string, body []byte) (*Snapshot, string) {
	rawSum := sha256.Sum256(body)
	snap := &Snapshot{
		ContentType:    contentType,
		SHA256RawBytes: hex.EncodeToString(rawSum[:]),
		RetrievedAtUTC: time.Now().UTC(),
		URLFinal:       finalURL,
		Ext:            extFor(contentType),
	}
	text, err := ExtractText(contentType, body)
	if err != nil {
		snap.TextExtractionFailed = true
		snap.SHA256NormalizedText = snap.SHA256RawBytes
		return snap, ""
	}
	normSum := sha256.Sum256([]byte(record.NormalizeWhitespace(text)))
	snap.SHA256NormalizedText = hex.EncodeToString(normSum[:])
	return snap, text
}

// commit writes the evidence payload and sidecar: payload to a .part file,
// prior versions archived, atomic rename, then the sidecar.
func (f *Fetcher) commit(dir string, snap *Snapshot, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.Resource("evidence.commit", "evidence_dir_create_failed", err)
	}
	final := CurrentPath(dir, snap)
	part := final + atomicio.PartSuffix
	if err := os.WriteFile(part, body, 0o644); err != nil { //nolint:gosec // audit artifact, world-readable
		return faults.Resource("evidence.commit", "evidence_write_failed", err)
	}
	if err := archivePrior(dir); err != nil {
		_ = os.Remove(part)
		return faults.Resource("evidence.commit", "evidence_archive_failed", err)
	}
	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return faults.Resource("evidence.commit", "evidence_rename_failed", err)
	}
	if err := writeSidecar(dir, snap); err != nil {
		return faults.Resource("evidence.commit", "sidecar_write_failed", err)
	}
	return nil
}
