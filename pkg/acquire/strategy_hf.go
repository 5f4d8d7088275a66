package acquire

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// huggingfaceStrategy downloads a Hugging Face dataset repository file by
// file through the hub's resolve endpoint. HF_TOKEN, when present, is passed
// as a bearer header for gated datasets and never logged.
func huggingfaceStrategy(ctx context.Context, req *Request) ([]FileResult, error) {
	repo := req.StringParam("repo")
	if repo == "" {
		return nil, faults.Config("acquire.huggingface", "repo_missing", fmt.Errorf("target %s", req.Row.TargetID))
	}
	revision := req.StringParam("revision")
	if revision == "" {
		revision = "main"
	}
	patterns := req.StringsParam("allow_patterns")

	header := map[string]string{}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		header["Authorization"] = "Bearer " + token
	}

	listURL := fmt.Sprintf("https://huggingface.co/api/datasets/%s/tree/%s?recursive=true",
		url.PathEscape(repo), url.PathEscape(revision))
	var entries []struct {
		Type string `json:"type"` // "file" | "directory"
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	if err := fetchJSON(ctx, req, listURL, header, &entries); err != nil {
		return []FileResult{{Path: repo, Status: StatusFailed, Reason: "tree_lookup_failed"}}, nil
	}

	var results []FileResult
	for _, e := range entries {
		if e.Type != "file" || !matchesAny(e.Path, patterns) {
			continue
		}
		resolve := fmt.Sprintf("https://huggingface.co/datasets/%s/resolve/%s/%s",
			url.PathEscape(repo), url.PathEscape(revision), e.Path)
		results = append(results, downloadOne(ctx, req, fetchSpec{
			URL:      resolve,
			Filename: path.Base(e.Path),
			Subdir:   path.Dir(e.Path),
			Header:   header,
		}))
	}
	if len(results) == 0 {
		return []FileResult{{Path: repo, Status: StatusFailed, Reason: "no_files_matched"}}, nil
	}
	return results, nil
}

// matchesAny applies allow patterns (shell-style suffix/prefix globs).
// An empty pattern list admits everything.
func matchesAny(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, err := path.Match(pat, p); err == nil && ok {
			return true
		}
		// "*.jsonl" style patterns should also match in subdirectories
		if ok, err := path.Match(pat, path.Base(p)); err == nil && ok {
			return true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(pat, "*")) && strings.HasSuffix(pat, "*") {
			return true
		}
	}
	return false
}
