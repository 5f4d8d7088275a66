package acquire

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/faults"
)

// httpStrategy downloads the declared URL set, one file per URL.
func httpStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	urls := req.Row.Download.AllURLs()
	if len(urls) == 0 {
		return nil, faults.Config("acquire.http", "no_urls_declared", fmt.Errorf("target %s", req.Row.TargetID))
	}
	results := make([]FileResult, 0, len(urls))
	for _, u := range urls {
		spec := fetchSpec{URL: u}
		if req.Row.Download.Checksums != nil {
			spec.ExpectedSHA256 = req.Row.Download.Checksums[u]
		}
		results = append(results, downloadOne(ctx, req, spec))
	}
	return results, nil
}

// gitStrategy shallow-clones a repository and size-checks the working tree
// afterwards. Bulk strategies cannot stream against the budget, so oversize
// is a post-check; the partial clone is retained for forensics.
func gitStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	rawURL := req.Row.Download.URL
	if rawURL == "" {
		return nil, faults.Config("acquire.git", "no_url_declared", fmt.Errorf("target %s", req.Row.TargetID))
	}
	if _, err := evidence.ValidateURL(rawURL); err != nil {
		return []FileResult{{Path: "repo", Status: StatusFailed, Reason: "ssrf_blocked"}}, nil
	}

	dest := filepath.Join(req.DestDir, "repo")
	if _, ok := req.AlreadyDone("repo"); ok {
		if _, err := os.Stat(dest); err == nil {
			return []FileResult{{Path: "repo", Status: StatusSkipped, Reason: "already_cloned"}}, nil
		}
	}
	if !req.Execute {
		return []FileResult{{Path: "repo", Status: StatusSkipped, Reason: "dry_run"}}, nil
	}

	depth := req.StringParam("depth")
	if depth == "" {
		depth = "1"
	}
	args := []string{"clone", "--depth", depth, "--single-branch"}
	if ref := req.StringParam("ref"); ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, rawURL, dest)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		req.Log.Warn("git clone failed", "target_id", req.Row.TargetID, "err", err, "output", string(out))
		return []FileResult{{Path: "repo", Status: StatusFailed, Reason: "git_clone_failed"}}, nil
	}

	size, err := dirSize(dest)
	if err != nil {
		return []FileResult{{Path: "repo", Status: StatusFailed, Reason: "size_check_failed"}}, nil
	}
	req.Spend(size)
	if req.OverBudget() && !req.AllowHuge {
		return []FileResult{{Path: "repo", Bytes: size, Status: StatusOversized, Reason: "max_bytes_per_target_exceeded"}}, nil
	}
	if err := req.MarkDone("repo", strconv.FormatInt(size, 10)); err != nil {
		return []FileResult{{Path: "repo", Status: StatusFailed, Reason: "checkpoint_write_failed"}}, nil
	}
	return []FileResult{{Path: "repo", Bytes: size, Status: StatusOK}}, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
