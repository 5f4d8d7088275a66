package acquire

import (
	"context"
	"crypto/md5" //nolint:gosec // only used to verify publisher-supplied MD5 digests
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
)

// fetchSpec describes one HTTP file download.
type fetchSpec struct {
	URL            string
	Filename       string            // sanitized target name; derived from URL when empty
	Subdir         string            // optional subdirectory under DestDir
	Header         map[string]string // extra request headers
	ExpectedSHA256 string
	ExpectedMD5    string
}

// validateURL guards every download URL. Swapped in tests.
var validateURL = evidence.ValidateURL

// downloadOne streams a single URL into DestDir with the full guard set:
// SSRF validation, host rate limiting, byte budget, content-type policy,
// range resume, and post-download checksum verification. It never returns an
// error for per-file problems; the outcome is carried in FileResult so the
// runner can aggregate.
func downloadOne(ctx context.Context, req *Request, spec fetchSpec) FileResult {
	name := spec.Filename
	if name == "" {
		name = filenameFromURL(spec.URL)
	}
	name = pathsafe.SanitizeFilename(name)
	rel := name
	if spec.Subdir != "" {
		rel = filepath.Join(pathsafe.SanitizeFilename(spec.Subdir), name)
	}
	res := FileResult{Path: rel}

	final, err := pathsafe.EnsureUnderRoot(filepath.Join(req.DestDir, rel), req.DestDir)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "path_escapes_root"
		return res
	}

	// resume: unit already completed in a prior run
	if sum, ok := req.AlreadyDone(rel); ok {
		if st, err := os.Stat(final); err == nil {
			res.Status, res.Reason = StatusSkipped, "already_downloaded"
			res.SHA256, res.Bytes = sum, st.Size()
			return res
		}
	}

	u, err := validateURL(spec.URL)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "ssrf_blocked"
		return res
	}
	if err := req.Limiter.Wait(ctx, u.Hostname()); err != nil {
		res.Status, res.Reason = StatusFailed, "rate_limit_wait_interrupted"
		return res
	}

	if !req.Execute {
		res.Status, res.Reason = StatusSkipped, "dry_run"
		return res
	}
	if req.OverBudget() && !req.AllowHuge {
		res.Status, res.Reason = StatusOversized, "byte_budget_exhausted"
		return res
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		res.Status, res.Reason = StatusFailed, "dest_dir_create_failed"
		return res
	}

	part := final + atomicio.PartSuffix
	validatorFile := part + ".validator"
	var offset int64
	var validator string
	if st, err := os.Stat(part); err == nil {
		offset = st.Size()
		if v, err := os.ReadFile(validatorFile); err == nil { //nolint:gosec // tool-owned path
			validator = strings.TrimSpace(string(v))
		}
		if validator == "" {
			// no validator to guard the splice; restart from byte zero
			offset = 0
		}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "request_build_failed"
		return res
	}
	for k, v := range spec.Header {
		httpReq.Header.Set(k, v)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		httpReq.Header.Set("If-Range", validator)
	}

	resp, err := req.Client.Do(httpReq)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "retries_exhausted"
		return res
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0 // server ignored the range; restart
	case http.StatusPartialContent:
		// resuming at offset
	default:
		res.Status, res.Reason = StatusFailed, fmt.Sprintf("http_status_%d", resp.StatusCode)
		return res
	}

	if !contentTypeAllowed(resp.Header.Get("Content-Type")) {
		res.Status, res.Reason = StatusFailed, "content_type_denied"
		return res
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0o644) //nolint:gosec // containment checked above
	if err != nil {
		res.Status, res.Reason = StatusFailed, "part_open_failed"
		return res
	}
	if offset == 0 {
		if v := responseValidator(resp); v != "" {
			_ = os.WriteFile(validatorFile, []byte(v), 0o644)
		} else {
			_ = os.Remove(validatorFile)
		}
	}

	var src io.Reader = resp.Body
	if !req.AllowHuge {
		src = io.LimitReader(resp.Body, req.Remaining()+1)
	}
	n, err := io.Copy(f, src)
	cerr := f.Close()
	req.Spend(n)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "stream_failed"
		return res
	}
	if cerr != nil {
		res.Status, res.Reason = StatusFailed, "part_close_failed"
		return res
	}
	if req.OverBudget() && !req.AllowHuge {
		// partial payload stays in .part for forensics; never renamed final
		res.Status, res.Reason = StatusOversized, "max_bytes_per_target_exceeded"
		res.Bytes = n
		return res
	}

	sha, md5sum, size, err := hashFile(part)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "hash_failed"
		return res
	}
	if spec.ExpectedSHA256 != "" && !strings.EqualFold(sha, spec.ExpectedSHA256) {
		_ = os.Remove(part)
		_ = os.Remove(validatorFile)
		res.Status, res.Reason = StatusFailed, "checksum_mismatch_sha256"
		return res
	}
	if spec.ExpectedMD5 != "" && !strings.EqualFold(md5sum, spec.ExpectedMD5) {
		_ = os.Remove(part)
		_ = os.Remove(validatorFile)
		res.Status, res.Reason = StatusFailed, "checksum_mismatch_md5"
		return res
	}

	if err := os.Rename(part, final); err != nil {
		res.Status, res.Reason = StatusFailed, "rename_failed"
		return res
	}
	_ = os.Remove(validatorFile)
	if err := req.MarkDone(rel, sha); err != nil {
		res.Status, res.Reason = StatusFailed, "checkpoint_write_failed"
		return res
	}

	res.Status = StatusOK
	res.SHA256 = sha
	res.Bytes = size
	if req.OverBudget() {
		// completed under the oversize waiver; the ledger keeps the flag
		res.Status, res.Reason = StatusOversized, "max_bytes_per_target_exceeded"
	}
	req.Log.Debug("file acquired", "path", rel, "bytes", size)
	return res
}

// responseValidator picks the validator a later If-Range resume can present.
func responseValidator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}

// hashFile computes SHA-256 and MD5 over a finished file. Hashing the final
// bytes, not the stream, keeps resumed downloads honest.
func hashFile(path string) (sha, md5hex string, size int64, err error) {
	f, err := os.Open(path) //nolint:gosec // tool-owned path
	if err != nil {
		return "", "", 0, err
	}
	defer f.Close() //nolint:errcheck // read-only close
	h256 := sha256.New()
	hmd5 := md5.New() //nolint:gosec // verification of supplied digests only
	n, err := io.Copy(io.MultiWriter(h256, hmd5), f)
	if err != nil {
		return "", "", 0, err
	}
	return hex.EncodeToString(h256.Sum(nil)), hex.EncodeToString(hmd5.Sum(nil)), n, nil
}

func filenameFromURL(raw string) string {
	trimmed := strings.SplitN(strings.SplitN(raw, "?", 2)[0], "#", 2)[0]
	base := filepath.Base(trimmed)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	return base
}
