package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
	"github.com/corpusvet/corpusvet/pkg/policy"
)

// Classifier buckets enabled targets.
type Classifier struct {
	Config   *policy.TargetsConfig
	Snapshot *policy.Snapshot
	Fetcher  *evidence.Fetcher
	Log      *slog.Logger
	RunID    string

	// KnownStrategy reports whether the acquisition registry can serve a
	// strategy name. Injected by the orchestrator to keep the registry a
	// classify-time gate without a package cycle.
	KnownStrategy func(name string) bool
}

// Options for one classify run.
type Options struct {
	NoFetch bool
	Workers int
}

// Summary of a classify run.
type Summary struct {
	Green  int `json:"green"`
	Yellow int `json:"yellow"`
	Red    int `json:"red"`

	FailedTargets []FailedTarget `json:"failed_targets"`
}

// FailedTarget records a target that could not be classified.
type FailedTarget struct {
	TargetID string `json:"target_id"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

type result struct {
	index int
	row   *QueueRow
	eval  *Evaluation
	fail  *FailedTarget
}

// Run classifies all enabled targets and writes the three queue files in
// input order, the per-target evaluation manifests, and classify_done.json.
func (c *Classifier) Run(ctx context.Context, opts Options) (*Summary, error) {
	targets := c.Config.EnabledTargets()

	// unknown strategy on an enabled target refuses the run up front
	for _, t := range targets {
		if t.Download.Strategy == "" || c.KnownStrategy == nil || !c.KnownStrategy(t.Download.Strategy) {
			if t.LicenseProfile == policy.ProfileQuarantine {
				continue // explicitly RED targets may omit a usable strategy
			}
			return nil, faults.Policy("classify.preflight", "unknown_strategy",
				fmt.Errorf("target %s declares strategy %q", t.ID, t.Download.Strategy))
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	results := make([]result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range targets {
		g.Go(func() error {
			t := targets[i]
			row, eval, err := c.classifyOne(gctx, &t, opts.NoFetch)
			if err != nil {
				if !faults.Recoverable(err) {
					return err
				}
				results[i] = result{index: i, fail: &FailedTarget{
					TargetID: t.ID, Stage: "classify", Error: err.Error(),
				}}
				c.Log.Warn("target classification failed", "target_id", t.ID, "err", err)
				return nil
			}
			results[i] = result{index: i, row: row, eval: eval}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.write(results)
}

// classifyOne runs the §4.3 pipeline for a single target.
func (c *Classifier) classifyOne(ctx context.Context, t *policy.Target, noFetch bool) (*QueueRow, *Evaluation, error) {
	log := c.Log.With("target_id", t.ID, "stage", "classify")
	lm := &c.Snapshot.LicenseMap

	eval := &Evaluation{
		TargetID:           t.ID,
		RunID:              c.RunID,
		RestrictionHits:    []string{},
		DenylistHits:       nil,
		PolicySnapshotHash: c.Snapshot.Hash(),
		EvaluatedAtUTC:     time.Now().UTC().Format(time.RFC3339),
	}
	trace := func(rule, outcome string) {
		eval.Trace = append(eval.Trace, TraceStep{Step: len(eval.Trace) + 1, Rule: rule, Outcome: outcome})
	}

	// 1. evidence
	evidenceDir := c.evidenceDir(t.ID)
	var snap *evidence.Snapshot
	var text string
	offlineMissing := false
	fetchFailed := false
	if t.LicenseEvidence.URL == "" {
		fetchFailed = true
		trace("evidence_fetch", "no_evidence_url_declared")
	} else {
		var err error
		snap, text, err = c.Fetcher.Fetch(ctx, evidenceDir, t.LicenseEvidence.URL, noFetch)
		switch {
		case err == nil:
			eval.EvidenceHash = snap.EvidenceHash()
			eval.TextExtractionFailed = snap.TextExtractionFailed
			trace("evidence_fetch", "ok")
		case faults.ReasonOf(err) == "evidence_missing_offline":
			offlineMissing = true
			trace("evidence_fetch", "evidence_missing_offline")
		case faults.Recoverable(err):
			fetchFailed = true
			trace("evidence_fetch", "failed: "+err.Error())
			log.Warn("evidence fetch failed, target forced YELLOW", "err", err)
		default:
			return nil, nil, err
		}
	}

	// 2. denylist over declared URLs, publisher, id
	var denyHits []policy.DenyHit
	for _, u := range t.Download.AllURLs() {
		denyHits = append(denyHits, c.Snapshot.Denylist.Match("url", u)...)
	}
	if t.LicenseEvidence.URL != "" {
		denyHits = append(denyHits, c.Snapshot.Denylist.Match("url", t.LicenseEvidence.URL)...)
	}
	denyHits = append(denyHits, c.Snapshot.Denylist.Match("publisher", t.Publisher)...)
	denyHits = append(denyHits, c.Snapshot.Denylist.Match("id", t.ID)...)
	eval.DenylistHits = denyHits
	trace("denylist_scan", fmt.Sprintf("%d hits", len(denyHits)))

	// 3. SPDX normalization + restriction scan
	quality := 1.0
	if snap != nil && snap.TextExtractionFailed {
		quality = 0.5
	}
	spdx, conf, snippet := lm.NormalizeSPDX(text, quality)
	if spdx == "" && t.LicenseEvidence.SPDXHint != "" {
		// hint-only resolution carries reduced evidence quality
		spdx, conf, snippet = lm.NormalizeSPDX(t.LicenseEvidence.SPDXHint, 0.6)
	}
	eval.ResolvedSPDX = spdx
	eval.SPDXConfidence = conf
	eval.SPDXEvidenceSnippet = snippet
	trace("spdx_normalize", fmt.Sprintf("%s (confidence %.2f)", orUnknown(spdx), conf))

	restrictions := lm.ScanRestrictions(text)
	eval.RestrictionHits = restrictions
	trace("restriction_scan", fmt.Sprintf("%d hits", len(restrictions)))

	// 4. bucket precedence
	bucket, reason := decideBucket(lm, t, spdx, conf, restrictions, denyHits, offlineMissing || fetchFailed)
	eval.Bucket = bucket
	eval.Reason = reason
	trace("bucket_decision", string(bucket)+": "+reason)

	pool := c.Snapshot.PoolFor(t, bucket)
	manifestDir := filepath.Join(c.Config.Globals.ManifestsRoot, pathsafe.SanitizeFilename(t.ID))

	row := &QueueRow{
		TargetID:           t.ID,
		Bucket:             bucket,
		LicenseProfile:     t.LicenseProfile,
		LicensePool:        pool,
		ResolvedSPDX:       spdx,
		SPDXConfidence:     conf,
		RestrictionHits:    restrictions,
		DenylistHits:       denyHits,
		Routing:            t.Routing,
		Download:           t.Download,
		ManifestDir:        manifestDir,
		EvidenceRef:        evidenceDir,
		PolicySnapshotHash: c.Snapshot.Hash(),
	}
	if row.RestrictionHits == nil {
		row.RestrictionHits = []string{}
	}
	return row, eval, nil
}

// decideBucket applies the §4.3 precedence ladder.
func decideBucket(lm *policy.LicenseMap, t *policy.Target, spdx string, conf float64,
	restrictions []string, denyHits []policy.DenyHit, evidenceDegraded bool) (policy.Bucket, string) {

	for _, h := range denyHits {
		if h.Severity == policy.SeverityHardRed {
			return policy.BucketRed, "denylist_hard_red"
		}
	}
	if spdx != "" && lm.DeniedSPDX(spdx) {
		return lm.Gating.DenySPDXBucket, "spdx_deny_prefix"
	}
	if len(restrictions) > 0 {
		return lm.Gating.RestrictionPhraseBucket, "restriction_phrase"
	}
	for _, h := range denyHits {
		if h.Severity == policy.SeverityForceYellow {
			return policy.BucketYellow, "denylist_force_yellow"
		}
	}
	if t.LicenseProfile == policy.ProfileRecordLevel {
		return policy.BucketYellow, "record_level_profile"
	}
	if evidenceDegraded {
		return policy.BucketYellow, "evidence_missing_offline"
	}
	if spdx == "" {
		return lm.Gating.UnknownSPDXBucket, "unknown_spdx"
	}
	if lm.ConditionalSPDX(spdx) {
		return lm.Gating.ConditionalSPDXBucket, "conditional_spdx"
	}
	if conf < lm.Gating.MinConfidence {
		return policy.BucketYellow, "spdx_confidence_below_threshold"
	}
	if lm.AllowSPDX(spdx) && lm.ProfileDefaultBucket(t.LicenseProfile) == policy.BucketGreen {
		return policy.BucketGreen, "allow_spdx"
	}
	return lm.ProfileDefaultBucket(t.LicenseProfile), "profile_default"
}

func (c *Classifier) evidenceDir(targetID string) string {
	return filepath.Join(c.Config.Globals.EvidenceRoot, pathsafe.SanitizeFilename(targetID))
}

// write emits queue files (input order), evaluation manifests, and the stage
// manifest.
func (c *Classifier) write(results []result) (*Summary, error) {
	queuesRoot := c.Config.Globals.QueuesRoot
	summary := &Summary{}

	var green, yellow, red []*QueueRow
	for _, r := range results {
		if r.fail != nil {
			summary.FailedTargets = append(summary.FailedTargets, *r.fail)
			continue
		}
		if r.row == nil {
			continue
		}
		if err := atomicio.WriteJSON(filepath.Join(r.row.ManifestDir, "evaluation.json"), r.eval); err != nil {
			return nil, faults.Resource("classify.write", "evaluation_write_failed", err)
		}
		switch r.row.Bucket {
		case policy.BucketGreen:
			green = append(green, r.row)
			summary.Green++
		case policy.BucketYellow:
			yellow = append(yellow, r.row)
			summary.Yellow++
		default:
			red = append(red, r.row)
			summary.Red++
		}
	}

	files := map[string][]*QueueRow{
		GreenQueueFile:  green,
		YellowQueueFile: yellow,
		RedRejectedFile: red,
	}
	for name, rows := range files {
		if err := writeQueue(filepath.Join(queuesRoot, name), rows); err != nil {
			return nil, err
		}
	}

	done := map[string]any{
		"run_id":               c.RunID,
		"green":                summary.Green,
		"yellow":               summary.Yellow,
		"red":                  summary.Red,
		"failed_targets":       summary.FailedTargets,
		"policy_snapshot_hash": c.Snapshot.Hash(),
		"written_at_utc":       time.Now().UTC().Format(time.RFC3339),
	}
	if err := atomicio.WriteJSON(filepath.Join(c.Config.Globals.ManifestsRoot, "classify_done.json"), done); err != nil {
		return nil, faults.Resource("classify.write", "done_manifest_write_failed", err)
	}
	return summary, nil
}

// writeQueue writes rows as JSONL through the atomic writer so a queue file
// is never observed half-written.
func writeQueue(path string, rows []*QueueRow) error {
	var buf []byte
	for _, row := range rows {
		line, err := marshalLine(row)
		if err != nil {
			return faults.Resource("classify.write", "queue_row_marshal_failed", err)
		}
		buf = append(buf, line...)
	}
	if err := atomicio.WriteAtomic(path, buf, 0o644); err != nil {
		return faults.Resource("classify.write", "queue_write_failed", err)
	}
	return nil
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
