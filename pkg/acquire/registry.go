// Package acquire downloads GREEN and YELLOW payloads through pluggable
// strategies, under SSRF, byte-budget, checksum, and content-type guards,
// with resumable per-file progress and ordered provenance manifests.
package acquire

import (
	"context"
	"fmt"
	"sort"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// Handler executes one target's download. Returning an empty slice is
// normalized by the runner to a single failed record.
type Handler func(ctx context.Context, req *Request) ([]FileResult, error)

// StrategyInfo declares a strategy's contract.
type StrategyInfo struct {
	Handler       Handler
	RequiredKeys  []string // download-block keys that must be present
	OptionalKeys  []string
	RequiresTools []string // external binaries the preflight must find
}

// Registry maps strategy names to their declarations.
type Registry struct {
	strategies map[string]StrategyInfo
}

// NewRegistry builds the default strategy registry.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]StrategyInfo)}
	r.register("http", StrategyInfo{
		Handler:      httpStrategy,
		RequiredKeys: []string{"url|urls"},
		OptionalKeys: []string{"checksums"},
	})
	r.register("ftp", StrategyInfo{
		Handler:      ftpStrategy,
		RequiredKeys: []string{"host", "paths"},
		OptionalKeys: []string{"port", "user", "password_env"},
	})
	r.register("git", StrategyInfo{
		Handler:       gitStrategy,
		RequiredKeys:  []string{"url"},
		OptionalKeys:  []string{"ref", "depth"},
		RequiresTools: []string{"git"},
	})
	r.register("zenodo", StrategyInfo{
		Handler:      zenodoStrategy,
		RequiredKeys: []string{"record_id"},
	})
	r.register("figshare", StrategyInfo{
		Handler:      figshareStrategy,
		RequiredKeys: []string{"article_id"},
	})
	r.register("s3_public", StrategyInfo{
		Handler:      s3PublicStrategy,
		RequiredKeys: []string{"bucket"},
		OptionalKeys: []string{"prefix", "region"},
	})
	r.register("s3_sync", StrategyInfo{
		Handler:      s3SyncStrategy,
		RequiredKeys: []string{"bucket"},
		OptionalKeys: []string{"prefix", "region"},
	})
	r.register("aws_requester_pays", StrategyInfo{
		Handler:      s3RequesterPaysStrategy,
		RequiredKeys: []string{"bucket"},
		OptionalKeys: []string{"prefix", "region"},
	})
	r.register("huggingface_datasets", StrategyInfo{
		Handler:      huggingfaceStrategy,
		RequiredKeys: []string{"repo"},
		OptionalKeys: []string{"revision", "allow_patterns"},
	})
	return r
}

func (r *Registry) register(name string, info StrategyInfo) {
	r.strategies[name] = info
}

// Known reports whether a strategy name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.strategies[name]
	return ok
}

// Get returns the strategy declaration or a PolicyError.
func (r *Registry) Get(name string) (StrategyInfo, error) {
	info, ok := r.strategies[name]
	if !ok {
		return StrategyInfo{}, faults.Policy("acquire.registry", "unknown_strategy", fmt.Errorf("%q", name))
	}
	return info, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RequiredTools returns the external tools needed by the given strategies.
func (r *Registry) RequiredTools(strategies []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strategies {
		info, ok := r.strategies[s]
		if !ok {
			continue
		}
		for _, tool := range info.RequiresTools {
			if !seen[tool] {
				seen[tool] = true
				out = append(out, tool)
			}
		}
	}
	sort.Strings(out)
	return out
}
