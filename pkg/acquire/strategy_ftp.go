package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
)

// ftpStrategy retrieves the declared paths from an FTP host. Connection
// setup is retried with capped exponential backoff; individual files are
// streamed under the byte budget.
func ftpStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	host := req.StringParam("host")
	paths := req.StringsParam("paths")
	if host == "" || len(paths) == 0 {
		return nil, faults.Config("acquire.ftp", "host_or_paths_missing", fmt.Errorf("target %s", req.Row.TargetID))
	}
	port := req.StringParam("port")
	if port == "" {
		port = "21"
	}

	// same private-IP guard as HTTP downloads
	ips, err := net.LookupIP(host)
	if err != nil {
		return []FileResult{{Path: host, Status: StatusFailed, Reason: "dns_lookup_failed"}}, nil
	}
	for _, ip := range ips {
		if !evidence.GloballyRoutable(ip) {
			return []FileResult{{Path: host, Status: StatusFailed, Reason: "ssrf_blocked"}}, nil
		}
	}

	if err := req.Limiter.Wait(ctx, host); err != nil {
		return []FileResult{{Path: host, Status: StatusFailed, Reason: "rate_limit_wait_interrupted"}}, nil
	}
	if !req.Execute {
		results := make([]FileResult, 0, len(paths))
		for _, p := range paths {
			results = append(results, FileResult{Path: pathsafe.SanitizeFilename(filepath.Base(p)), Status: StatusSkipped, Reason: "dry_run"})
		}
		return results, nil
	}

	var conn *ftp.ServerConn
	connect := func() error {
		c, err := ftp.Dial(net.JoinHostPort(host, port), ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
		if err != nil {
			return err
		}
		user := req.StringParam("user")
		pass := "anonymous"
		if user == "" {
			user = "anonymous"
		}
		if env := req.StringParam("password_env"); env != "" {
			pass = os.Getenv(env)
		}
		if err := c.Login(user, pass); err != nil {
			_ = c.Quit()
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(connect, bo); err != nil {
		return []FileResult{{Path: host, Status: StatusFailed, Reason: "ftp_connect_failed"}}, nil
	}
	defer conn.Quit() //nolint:errcheck // best-effort close

	results := make([]FileResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, ftpFetchOne(req, conn, p))
	}
	return results, nil
}

func ftpFetchOne(req *Request, conn *ftp.ServerConn, remote string) FileResult {
	name := pathsafe.SanitizeFilename(filepath.Base(remote))
	res := FileResult{Path: name}

	if sum, ok := req.AlreadyDone(name); ok {
		res.Status, res.Reason, res.SHA256 = StatusSkipped, "already_downloaded", sum
		return res
	}
	if req.OverBudget() && !req.AllowHuge {
		res.Status, res.Reason = StatusOversized, "byte_budget_exhausted"
		return res
	}

	final, err := pathsafe.EnsureUnderRoot(filepath.Join(req.DestDir, name), req.DestDir)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "path_escapes_root"
		return res
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		res.Status, res.Reason = StatusFailed, "dest_dir_create_failed"
		return res
	}

	body, err := conn.Retr(remote)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "ftp_retr_failed"
		return res
	}
	defer body.Close() //nolint:errcheck // read-only close

	part := final + atomicio.PartSuffix
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // containment checked above
	if err != nil {
		res.Status, res.Reason = StatusFailed, "part_open_failed"
		return res
	}
	h := sha256.New()
	var src io.Reader = body
	if !req.AllowHuge {
		src = io.LimitReader(body, req.Remaining()+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), src)
	cerr := f.Close()
	req.Spend(n)
	if err != nil || cerr != nil {
		res.Status, res.Reason = StatusFailed, "stream_failed"
		return res
	}
	if req.OverBudget() && !req.AllowHuge {
		res.Status, res.Reason, res.Bytes = StatusOversized, "max_bytes_per_target_exceeded", n
		return res
	}
	if err := os.Rename(part, final); err != nil {
		res.Status, res.Reason = StatusFailed, "rename_failed"
		return res
	}
	res.SHA256 = hex.EncodeToString(h.Sum(nil))
	res.Bytes = n
	res.Status = StatusOK
	if req.OverBudget() {
		res.Status, res.Reason = StatusOversized, "max_bytes_per_target_exceeded"
	}
	if err := req.MarkDone(name, res.SHA256); err != nil {
		res.Status, res.Reason = StatusFailed, "checkpoint_write_failed"
	}
	return res
}
