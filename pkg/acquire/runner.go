package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/checkpoint"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
	"github.com/corpusvet/corpusvet/pkg/kernel/ratelimit"
	"github.com/corpusvet/corpusvet/pkg/policy"
)

// Runner executes an acquire stage over one bucket's queue.
type Runner struct {
	Registry   *Registry
	Config     *policy.TargetsConfig
	Client     *retryablehttp.Client
	Limiter    *ratelimit.HostLimiter
	Checkpoint *checkpoint.Store
	Log        *slog.Logger
	RunID      string
}

// Options for one acquire run.
type Options struct {
	Bucket       policy.Bucket // GREEN or YELLOW
	Workers      int
	LimitTargets int
	Execute      bool
	FailOnError  bool
	AllowHuge    bool
	Resume       bool
}

// TargetResult is the per-target outcome, in input queue order.
type TargetResult struct {
	TargetID string       `json:"target_id"`
	Status   string       `json:"status"`
	Bytes    int64        `json:"bytes"`
	Files    []FileResult `json:"files"`
	Error    string       `json:"error,omitempty"`
}

// Summary aggregates an acquire run.
type Summary struct {
	Bucket  policy.Bucket  `json:"bucket"`
	RunID   string         `json:"run_id"`
	Results []TargetResult `json:"results"`

	OK        int `json:"ok"`
	Skipped   int `json:"skipped"`
	Oversized int `json:"oversized"`
	Failed    int `json:"failed"`
}

// Run acquires every target in the bucket's queue. Result ordering is the
// input queue order regardless of completion order. RED rows can never reach
// this path: the classifier writes them to red_rejected.jsonl only.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	queueFile := classify.GreenQueueFile
	if opts.Bucket == policy.BucketYellow {
		queueFile = classify.YellowQueueFile
	}
	rows, err := classify.ReadQueue(filepath.Join(r.Config.Globals.QueuesRoot, queueFile))
	if err != nil {
		return nil, faults.Resource("acquire.run", "queue_read_failed", err)
	}
	if opts.LimitTargets > 0 && len(rows) > opts.LimitTargets {
		rows = rows[:opts.LimitTargets]
	}

	stage := "acquire_" + strings.ToLower(string(opts.Bucket))
	if !opts.Resume {
		if err := r.Checkpoint.Wipe(stage); err != nil {
			return nil, faults.Resource("acquire.run", "checkpoint_wipe_failed", err)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	results := make([]TargetResult, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range rows {
		g.Go(func() error {
			results[i] = r.runTarget(gctx, stage, &rows[i], opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{Bucket: opts.Bucket, RunID: r.RunID, Results: results}
	for _, res := range results {
		switch res.Status {
		case StatusOK:
			summary.OK++
		case StatusSkipped:
			summary.Skipped++
		case StatusOversized:
			summary.Oversized++
		default:
			summary.Failed++
		}
	}

	if err := r.writeArtifacts(stage, summary); err != nil {
		return nil, err
	}
	if summary.Failed > 0 && opts.FailOnError {
		return summary, faults.New(faults.KindNetwork, "acquire.run", "targets_failed",
			fmt.Errorf("%d of %d targets failed", summary.Failed, len(results)))
	}
	return summary, nil
}

func (r *Runner) runTarget(ctx context.Context, stage string, row *classify.QueueRow, opts Options) TargetResult {
	log := r.Log.With("target_id", row.TargetID, "stage", stage)
	out := TargetResult{TargetID: row.TargetID}

	info, err := r.Registry.Get(row.Download.Strategy)
	if err != nil {
		out.Status, out.Error = StatusFailed, err.Error()
		return out
	}

	state, had, err := r.Checkpoint.Load(stage, row.TargetID)
	if err != nil {
		out.Status, out.Error = StatusFailed, err.Error()
		return out
	}
	if !had {
		state = &checkpoint.State{Stage: stage, TargetID: row.TargetID}
	}

	destDir := filepath.Join(
		r.Config.Globals.RawRoot,
		strings.ToLower(string(row.Bucket)),
		string(row.LicensePool),
		pathsafe.SanitizeFilename(row.TargetID),
	)

	req := &Request{
		Row:        row,
		DestDir:    destDir,
		MaxBytes:   r.Config.Globals.MaxBytesPerTarget,
		AllowHuge:  opts.AllowHuge,
		Execute:    opts.Execute,
		Client:     r.Client,
		Limiter:    r.Limiter,
		Checkpoint: r.Checkpoint,
		State:      state,
		Log:        log,
	}

	files, err := info.Handler(ctx, req)
	if err != nil {
		out.Status, out.Error = StatusFailed, err.Error()
		log.Warn("strategy failed", "err", err)
		return out
	}
	if len(files) == 0 {
		out.Status, out.Error = StatusFailed, "handler_returned_no_results"
		out.Files = []FileResult{{Status: StatusFailed, Reason: "handler_returned_no_results"}}
		return out
	}

	out.Files = files
	out.Status = rollupStatus(files, opts.AllowHuge)
	for _, f := range files {
		out.Bytes += f.Bytes
	}

	if opts.Execute && out.Status == StatusOK {
		state.Done = true
		if err := r.Checkpoint.Save(state); err != nil {
			out.Status, out.Error = StatusFailed, err.Error()
			return out
		}
		done := map[string]any{
			"target_id":            row.TargetID,
			"run_id":               r.RunID,
			"bucket":               row.Bucket,
			"license_pool":         row.LicensePool,
			"files":                files,
			"bytes":                out.Bytes,
			"policy_snapshot_hash": row.PolicySnapshotHash,
			"written_at_utc":       time.Now().UTC().Format(time.RFC3339),
		}
		if err := atomicio.WriteJSON(filepath.Join(row.ManifestDir, "acquire_done.json"), done); err != nil {
			out.Status, out.Error = StatusFailed, err.Error()
		}
	}
	return out
}

// rollupStatus derives the target status from its file outcomes: any failure
// fails the target; oversize is a hard abort unless huge downloads were
// explicitly allowed.
func rollupStatus(files []FileResult, allowHuge bool) string {
	anyOK, anyOver, anyFail := false, false, false
	allSkipped := true
	for _, f := range files {
		switch f.Status {
		case StatusFailed:
			anyFail = true
			allSkipped = false
		case StatusOversized:
			anyOver = true
			allSkipped = false
		case StatusOK:
			anyOK = true
			allSkipped = false
		}
	}
	switch {
	case anyFail:
		return StatusFailed
	case anyOver && !allowHuge:
		return StatusOversized
	case anyOK:
		return StatusOK
	case allSkipped:
		return StatusSkipped
	default:
		return StatusOK
	}
}

// writeArtifacts appends the run to the acquire summary ledger and writes
// the stage manifest that gates the next stage.
func (r *Runner) writeArtifacts(stage string, summary *Summary) error {
	ledgerPath := filepath.Join(r.Config.Globals.LedgerRoot, "acquire_summary_"+r.RunID+".jsonl")
	led, err := atomicio.OpenLedger(ledgerPath)
	if err != nil {
		return faults.Resource("acquire.run", "ledger_open_failed", err)
	}
	defer led.Close() //nolint:errcheck // closed below via error return
	for _, res := range summary.Results {
		row := map[string]any{
			"run_id":    r.RunID,
			"stage":     stage,
			"target_id": res.TargetID,
			"status":    res.Status,
			"bytes":     res.Bytes,
		}
		if res.Error != "" {
			row["error"] = res.Error
		}
		if err := led.Append(row); err != nil {
			return faults.Resource("acquire.run", "ledger_append_failed", err)
		}
	}

	manifest := filepath.Join(r.Config.Globals.ManifestsRoot, stage+"_done.json")
	if err := atomicio.WriteJSON(manifest, summary); err != nil {
		return faults.Resource("acquire.run", "done_manifest_write_failed", err)
	}
	return nil
}
