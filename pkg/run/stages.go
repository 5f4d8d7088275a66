package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/corpusvet/corpusvet/pkg/acquire"
	"github.com/corpusvet/corpusvet/pkg/catalog"
	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/merge"
	"github.com/corpusvet/corpusvet/pkg/screen"
)

// Stage names in their fixed execution order.
const (
	StageClassify      = "classify"
	StageAcquireGreen  = "acquire_green"
	StageAcquireYellow = "acquire_yellow"
	StageYellowScreen  = "yellow_screen"
	StageMerge         = "merge"
	StageCatalog       = "catalog"
)

// StageOrder is the only permitted sequencing.
var StageOrder = []string{
	StageClassify, StageAcquireGreen, StageAcquireYellow,
	StageYellowScreen, StageMerge, StageCatalog,
}

// CanonicalStage resolves stage aliases. The legacy "screen_yellow" spelling
// is accepted with a deprecation warning.
func (r *Context) CanonicalStage(name string) string {
	if name == "screen_yellow" {
		r.Log.Warn("stage name screen_yellow is deprecated, use yellow_screen")
		return StageYellowScreen
	}
	return name
}

// doneFile maps a stage to the manifest that marks it complete.
func doneFile(stage string) string {
	return stage + "_done.json"
}

// requirePrior refuses to start a stage until its predecessor's manifest
// exists. classify has no predecessor.
func (r *Context) requirePrior(stage string) error {
	var prev string
	for i, s := range StageOrder {
		if s == stage && i > 0 {
			prev = StageOrder[i-1]
		}
	}
	if prev == "" {
		return nil
	}
	path := filepath.Join(r.Config.Globals.ManifestsRoot, doneFile(prev))
	if _, err := os.Stat(path); err != nil {
		return faults.Preflight("run.sequence", "prior_stage_incomplete",
			fmt.Errorf("stage %s requires %s (missing %s)", stage, prev, path))
	}
	return nil
}

// Classify runs the classification stage.
func (r *Context) Classify(ctx context.Context, opts classify.Options) (*classify.Summary, error) {
	if err := r.Preflight(); err != nil {
		return nil, err
	}
	ctx, done := r.Obs.TrackStage(ctx, StageClassify)
	c := &classify.Classifier{
		Config:        r.Config,
		Snapshot:      r.Snapshot,
		Fetcher:       r.Fetcher,
		Log:           r.Log,
		RunID:         r.RunID,
		KnownStrategy: r.Registry.Known,
	}
	summary, err := c.Run(ctx, opts)
	done(err)
	if err == nil {
		r.Obs.CountFailedTargets(ctx, StageClassify, len(summary.FailedTargets))
	}
	return summary, err
}

// Acquire runs acquisition for one bucket.
func (r *Context) Acquire(ctx context.Context, opts acquire.Options) (*acquire.Summary, error) {
	if err := r.Preflight(); err != nil {
		return nil, err
	}
	stage := "acquire_" + strings.ToLower(string(opts.Bucket))
	if err := r.requirePrior(stage); err != nil {
		return nil, err
	}
	ctx, done := r.Obs.TrackStage(ctx, stage)
	runner := &acquire.Runner{
		Registry:   r.Registry,
		Config:     r.Config,
		Client:     r.Fetcher.HTTPClient(),
		Limiter:    r.Limiter,
		Checkpoint: r.Checks,
		Log:        r.Log,
		RunID:      r.RunID,
	}
	summary, err := runner.Run(ctx, opts)
	done(err)
	if summary != nil {
		r.Obs.CountFailedTargets(ctx, stage, summary.Failed)
	}
	return summary, err
}

// YellowScreen runs the record-level YELLOW gate.
func (r *Context) YellowScreen(ctx context.Context, opts screen.Options) (*screen.Summary, error) {
	if err := r.Preflight(); err != nil {
		return nil, err
	}
	if err := r.requirePrior(StageYellowScreen); err != nil {
		return nil, err
	}
	ctx, done := r.Obs.TrackStage(ctx, StageYellowScreen)
	s := &screen.Screener{
		Config:   r.Config,
		Snapshot: r.Snapshot,
		Log:      r.Log,
		RunID:    r.RunID,
	}
	summary, err := s.Run(ctx, opts)
	done(err)
	if summary != nil {
		r.Obs.CountWritten(ctx, StageYellowScreen, summary.Passed)
		r.Obs.CountPitched(ctx, "total", summary.Pitched)
		r.Obs.CountFailedTargets(ctx, StageYellowScreen, summary.Failed)
	}
	return summary, err
}

// Merge combines GREEN and screened YELLOW shards per pool.
func (r *Context) Merge(ctx context.Context, opts merge.Options) (*merge.Summary, error) {
	if err := r.Preflight(); err != nil {
		return nil, err
	}
	if err := r.requirePrior(StageMerge); err != nil {
		return nil, err
	}
	ctx, done := r.Obs.TrackStage(ctx, StageMerge)
	m := &merge.Merger{Config: r.Config, Log: r.Log, RunID: r.RunID}
	summary, err := m.Run(ctx, opts)
	done(err)
	if summary != nil {
		r.Obs.CountWritten(ctx, StageMerge, summary.Written)
	}
	return summary, err
}

// Catalog emits the audit catalog.
func (r *Context) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	if err := r.Preflight(); err != nil {
		return nil, err
	}
	if err := r.requirePrior(StageCatalog); err != nil {
		return nil, err
	}
	ctx, done := r.Obs.TrackStage(ctx, StageCatalog)
	_ = ctx
	b := &catalog.Builder{
		Config:      r.Config,
		Snapshot:    r.Snapshot,
		Log:         r.Log,
		RunID:       r.RunID,
		ToolVersion: Version,
	}
	cat, err := b.Build()
	done(err)
	return cat, err
}
