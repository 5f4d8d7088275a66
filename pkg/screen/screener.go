package screen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/evidence"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
	"github.com/corpusvet/corpusvet/pkg/policy"
)

const shardPrefix = "yellow_shard"

// Screener runs the YELLOW gate over the acquired payloads.
type Screener struct {
	Config   *policy.TargetsConfig
	Snapshot *policy.Snapshot
	Log      *slog.Logger
	RunID    string
}

// Options for one screening run.
type Options struct {
	Execute bool
}

// TargetResult summarizes one target's screening.
type TargetResult struct {
	TargetID string `json:"target_id"`
	Status   string `json:"status"` // screened | pitched | failed
	Reason   string `json:"reason,omitempty"`
	Passed   int    `json:"passed"`
	Pitched  int    `json:"pitched"`
}

// Summary aggregates a screening run.
type Summary struct {
	RunID   string         `json:"run_id"`
	Execute bool           `json:"execute"`
	Results []TargetResult `json:"results"`
	Passed  int            `json:"passed"`
	Pitched int            `json:"pitched"`
	Failed  int            `json:"failed"`
}

type ledgers struct {
	passed  *atomicio.Ledger
	pitched *atomicio.Ledger
	samples *atomicio.Ledger
}

func (l *ledgers) close() {
	for _, led := range []*atomicio.Ledger{l.passed, l.pitched, l.samples} {
		if led != nil {
			led.Close() //nolint:errcheck // append-only, synced per line
		}
	}
}

// Run screens every target in the YELLOW queue, in queue order. Targets are
// processed sequentially; the shard writer per (pool, target) keeps output
// allocation deterministic for a given input set.
func (s *Screener) Run(ctx context.Context, opts Options) (*Summary, error) {
	rows, err := classify.ReadQueue(filepath.Join(s.Config.Globals.QueuesRoot, classify.YellowQueueFile))
	if err != nil {
		return nil, faults.Resource("screen.run", "queue_read_failed", err)
	}

	summary := &Summary{RunID: s.RunID, Execute: opts.Execute}
	var led ledgers
	if opts.Execute {
		if led.passed, err = atomicio.OpenLedger(filepath.Join(s.Config.Globals.LedgerRoot, "yellow_passed.jsonl")); err != nil {
			return nil, faults.Resource("screen.run", "ledger_open_failed", err)
		}
		if led.pitched, err = atomicio.OpenLedger(filepath.Join(s.Config.Globals.LedgerRoot, "yellow_pitched.jsonl")); err != nil {
			led.close()
			return nil, faults.Resource("screen.run", "ledger_open_failed", err)
		}
		if led.samples, err = atomicio.OpenLedger(filepath.Join(s.Config.Globals.PitchesRoot, "yellow_pitch.jsonl")); err != nil {
			led.close()
			return nil, faults.Resource("screen.run", "ledger_open_failed", err)
		}
		defer led.close()
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := s.screenTarget(&rows[i], opts, &led)
		summary.Results = append(summary.Results, res)
		summary.Passed += res.Passed
		summary.Pitched += res.Pitched
		if res.Status == "failed" {
			summary.Failed++
		}
	}

	manifest := filepath.Join(s.Config.Globals.ManifestsRoot, "yellow_screen_done.json")
	if err := atomicio.WriteJSON(manifest, summary); err != nil {
		return nil, faults.Resource("screen.run", "done_manifest_write_failed", err)
	}
	return summary, nil
}

func (s *Screener) screenTarget(row *classify.QueueRow, opts Options, led *ledgers) TargetResult {
	log := s.Log.With("target_id", row.TargetID, "stage", "yellow_screen")
	res := TargetResult{TargetID: row.TargetID}

	target, ok := s.Config.TargetByID(row.TargetID)
	if !ok {
		res.Status, res.Reason = "failed", "target_not_in_config"
		return res
	}

	reason, err := s.gate(row, target)
	if err != nil {
		// an unreadable or malformed signoff file is an operational fault,
		// not a reviewer decision; never pitched, always failed
		res.Status, res.Reason = "failed", "signoff_load_failed"
		log.Warn("signoff load failed", "err", err)
		return res
	}
	if reason != "" {
		res.Status, res.Reason = "pitched", reason
		log.Warn("target pitched", "reason", reason)
		if opts.Execute {
			if err := led.pitched.Append(map[string]any{
				"target_id": row.TargetID, "reason": reason,
			}); err != nil {
				res.Status, res.Reason = "failed", "ledger_append_failed"
			}
		}
		return res
	}

	inputs, err := s.inputFiles(row)
	if err != nil {
		res.Status, res.Reason = "failed", "input_enumeration_failed"
		return res
	}
	if len(inputs) == 0 {
		res.Status, res.Reason = "pitched", "no_input_files"
		return res
	}

	canon := &canonicalizer{
		rules:     s.Snapshot.Screening,
		allowSPDX: s.Snapshot.Screening.AllowSPDX,
		row:       row,
		domain:    DomainFor(row.Routing.Subject),
		validate: func(doc any) error {
			return s.Snapshot.ValidateDoc(row.Routing.Subject, doc)
		},
	}
	if len(target.YellowScreen.AllowSPDX) > 0 {
		canon.allowSPDX = target.YellowScreen.AllowSPDX
	}

	var writer *atomicio.ShardWriter
	if opts.Execute {
		shardDir := filepath.Join(
			s.Config.Globals.ScreenedYellowRoot,
			string(row.LicensePool),
			pathsafe.SanitizeFilename(row.TargetID),
			"shards",
		)
		if err := atomicio.ResetPartialShards(shardDir); err != nil {
			res.Status, res.Reason = "failed", "partial_shard_reset_failed"
			return res
		}
		writer, err = atomicio.NewShardWriter(shardDir, shardPrefix, s.Config.Globals.Sharding.MaxRecordsPerShard)
		if err != nil {
			res.Status, res.Reason = "failed", "shard_writer_open_failed"
			return res
		}
	}

	sampleCount := map[string]int{} // per-reason sample counter for this target
	for _, path := range inputs {
		err := atomicio.ForEachShardRecord(path, func(_ int, line []byte) error {
			dec := canon.Canonicalize(line)
			if dec.Record == nil {
				res.Pitched++
				if opts.Execute {
					return s.recordPitch(led, row.TargetID, dec.Reason, line, sampleCount)
				}
				return nil
			}
			res.Passed++
			if !opts.Execute {
				return nil
			}
			ref, err := writer.Append(dec.Record)
			if err != nil {
				return err
			}
			return led.passed.Append(map[string]any{
				"target_id":      row.TargetID,
				"record_id":      dec.Record.RecordID,
				"shard":          ref.Shard,
				"content_sha256": dec.Record.Hash.ContentSHA256,
			})
		})
		if err != nil {
			if writer != nil {
				writer.Close() //nolint:errcheck // already failing
			}
			res.Status, res.Reason = "failed", "input_stream_failed"
			log.Warn("input stream failed", "path", path, "err", err)
			return res
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			res.Status, res.Reason = "failed", "shard_close_failed"
			return res
		}
	}
	res.Status = "screened"
	log.Info("target screened", "passed", res.Passed, "pitched", res.Pitched)
	return res
}

// gate applies the whole-target signoff check. An empty reason proceeds; a
// non-nil error means the signoff file could not be read at all.
func (s *Screener) gate(row *classify.QueueRow, target *policy.Target) (string, error) {
	if !s.Config.Globals.RequireYellowSignoff || target.YellowScreen.AllowWithoutSignoff {
		return "", nil
	}
	rec, found, err := LoadSignoff(s.Config.Globals.SignoffsRoot, row.TargetID)
	if err != nil {
		return "", err
	}
	if !found {
		return ReasonSignoffMissing, nil
	}
	snap, haveEvidence, err := evidence.LoadSidecar(row.EvidenceRef)
	if err != nil || !haveEvidence {
		return ReasonSignoffStale, nil
	}
	return GateSignoff(rec, found, snap.EvidenceHash()), nil
}

// recordPitch appends the ledger row and, below the per-(target, reason)
// sample cap, the full payload for reviewer triage.
func (s *Screener) recordPitch(led *ledgers, targetID, reason string, line []byte, sampleCount map[string]int) error {
	sum := sha256.Sum256(line)
	if err := led.pitched.Append(map[string]any{
		"target_id":   targetID,
		"reason":      reason,
		"sample_hash": hex.EncodeToString(sum[:]),
	}); err != nil {
		return err
	}
	if sampleCount[reason] >= s.Snapshot.Screening.PitchSampleCap {
		return nil
	}
	sampleCount[reason]++
	return led.samples.Append(map[string]any{
		"target_id":   targetID,
		"reason":      reason,
		"sampled_at":  time.Now().UTC().Format(time.RFC3339),
		"payload":     string(line),
		"sample_hash": hex.EncodeToString(sum[:]),
	})
}

// inputFiles enumerates the target's acquired JSONL payloads in sorted path
// order. In-flight .part files are never read.
func (s *Screener) inputFiles(row *classify.QueueRow) ([]string, error) {
	root := filepath.Join(
		s.Config.Globals.RawRoot,
		"yellow",
		string(row.LicensePool),
		pathsafe.SanitizeFilename(row.TargetID),
	)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, atomicio.PartSuffix) {
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") || strings.HasSuffix(path, ".jsonl.gz") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // nothing acquired yet
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
