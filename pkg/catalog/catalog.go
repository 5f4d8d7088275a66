// Package catalog walks the dataset roots and ledgers and emits the audit
// catalog, the single artifact a reviewer reads to account for every record
// and every failure of a run.
package catalog

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/screen"
)

// StageStats counts artifacts under one root.
type StageStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// PoolStats counts combined output for one license pool.
type PoolStats struct {
	Pool    string `json:"pool"`
	Shards  int    `json:"shards"`
	Bytes   int64  `json:"bytes"`
	Records int    `json:"records"`
}

// SignoffStatus is the reviewer-facing state of one YELLOW target.
type SignoffStatus struct {
	TargetID string `json:"target_id"`
	Status   string `json:"status"` // approved | rejected | missing
}

// Catalog is the emitted audit document.
type Catalog struct {
	RunID              string    `json:"run_id"`
	ToolVersion        string    `json:"tool_version"`
	PolicySnapshotHash string    `json:"policy_snapshot_hash"`
	WrittenAtUTC       time.Time `json:"written_at_utc"`

	Stages map[string]StageStats `json:"stages"`
	Pools  []PoolStats           `json:"pools"`

	YellowPassed    int            `json:"yellow_passed"`
	YellowPitched   map[string]int `json:"yellow_pitched_by_reason"`
	DedupeSkipped   int            `json:"dedupe_skipped"`
	IndexEntries    int            `json:"combined_index_entries"`
	CombinedRecords int            `json:"combined_records"`
	IndexDrift      bool           `json:"index_drift"`

	Signoffs      []SignoffStatus         `json:"signoffs"`
	FailedTargets []classify.FailedTarget `json:"failed_targets"`
}

// Builder assembles and writes the catalog.
type Builder struct {
	Config      *policy.TargetsConfig
	Snapshot    *policy.Snapshot
	Log         *slog.Logger
	RunID       string
	ToolVersion string
}

// Build walks the roots, summarizes the ledgers, and writes catalog.json
// atomically. Index drift (combined records disagreeing with the index
// ledger) is surfaced in the catalog, not hidden behind an error.
func (b *Builder) Build() (*Catalog, error) {
	cat := &Catalog{
		RunID:              b.RunID,
		ToolVersion:        b.ToolVersion,
		PolicySnapshotHash: b.Snapshot.Hash(),
		WrittenAtUTC:       time.Now().UTC(),
		Stages:             map[string]StageStats{},
		YellowPitched:      map[string]int{},
	}

	g := b.Config.Globals
	for name, root := range map[string]string{
		"raw":             g.RawRoot,
		"screened_yellow": g.ScreenedYellowRoot,
		"combined":        g.CombinedRoot,
	} {
		stats, err := walkStats(root)
		if err != nil {
			return nil, faults.Resource("catalog.build", "root_walk_failed", err)
		}
		cat.Stages[name] = stats
	}

	if err := b.poolStats(cat); err != nil {
		return nil, err
	}
	if err := b.ledgerSummaries(cat); err != nil {
		return nil, err
	}
	if err := b.failedTargets(cat); err != nil {
		return nil, err
	}
	b.signoffs(cat)

	cat.IndexDrift = cat.IndexEntries != cat.CombinedRecords
	if cat.IndexDrift {
		b.Log.Warn("combined index drift",
			"index_entries", cat.IndexEntries, "combined_records", cat.CombinedRecords)
	}

	path := filepath.Join(g.CatalogsRoot, "catalog.json")
	if err := atomicio.WriteJSON(path, cat); err != nil {
		return nil, faults.Resource("catalog.build", "catalog_write_failed", err)
	}
	b.Log.Info("catalog written", "path", path)
	return cat, nil
}

// poolStats counts combined shards and records per pool.
func (b *Builder) poolStats(cat *Catalog) error {
	pools, err := filepath.Glob(filepath.Join(b.Config.Globals.CombinedRoot, "*", "shards"))
	if err != nil {
		return faults.Resource("catalog.build", "pool_enumeration_failed", err)
	}
	sort.Strings(pools)
	for _, shardDir := range pools {
		ps := PoolStats{Pool: filepath.Base(filepath.Dir(shardDir))}
		shards, err := filepath.Glob(filepath.Join(shardDir, "*.jsonl.gz"))
		if err != nil {
			return faults.Resource("catalog.build", "shard_enumeration_failed", err)
		}
		sort.Strings(shards)
		for _, shard := range shards {
			ps.Shards++
			records := 0
			err := atomicio.ForEachShardRecord(shard, func(_ int, _ []byte) error {
				records++
				return nil
			})
			if err != nil {
				return faults.Integrity("catalog.build", "shard_unreadable", err)
			}
			ps.Records += records
			if info, err := fileInfo(shard); err == nil {
				ps.Bytes += info
			}
		}
		cat.CombinedRecords += ps.Records
		cat.Pools = append(cat.Pools, ps)
	}
	return nil
}

// ledgerSummaries tallies the append-only ledgers. Missing ledgers read as
// empty so a partial run still catalogs.
func (b *Builder) ledgerSummaries(cat *Catalog) error {
	root := b.Config.Globals.LedgerRoot

	count := func(name string, fn func(line []byte)) error {
		err := atomicio.ForEachJSONLine(filepath.Join(root, name), func(line []byte) error {
			fn(line)
			return nil
		})
		if err != nil && !isNotExist(err) {
			return faults.Resource("catalog.build", "ledger_read_failed", err)
		}
		return nil
	}

	if err := count("yellow_passed.jsonl", func([]byte) { cat.YellowPassed++ }); err != nil {
		return err
	}
	if err := count("yellow_pitched.jsonl", func(line []byte) {
		var row struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal(line, &row) == nil && row.Reason != "" {
			cat.YellowPitched[row.Reason]++
		}
	}); err != nil {
		return err
	}
	if err := count("combined_dedup_skipped.jsonl", func([]byte) { cat.DedupeSkipped++ }); err != nil {
		return err
	}
	return count("combined_index.jsonl", func([]byte) { cat.IndexEntries++ })
}

// failedTargets aggregates failures across the stage manifests and acquire
// ledgers.
func (b *Builder) failedTargets(cat *Catalog) error {
	manifests := b.Config.Globals.ManifestsRoot

	var classifyDone struct {
		FailedTargets []classify.FailedTarget `json:"failed_targets"`
	}
	if err := atomicio.ReadJSON(filepath.Join(manifests, "classify_done.json"), &classifyDone); err == nil {
		cat.FailedTargets = append(cat.FailedTargets, classifyDone.FailedTargets...)
	}

	summaries, err := filepath.Glob(filepath.Join(b.Config.Globals.LedgerRoot, "acquire_summary_*.jsonl"))
	if err != nil {
		return faults.Resource("catalog.build", "summary_enumeration_failed", err)
	}
	sort.Strings(summaries)
	for _, path := range summaries {
		err := atomicio.ForEachJSONLine(path, func(line []byte) error {
			var row struct {
				TargetID string `json:"target_id"`
				Stage    string `json:"stage"`
				Status   string `json:"status"`
				Error    string `json:"error"`
			}
			if json.Unmarshal(line, &row) == nil && row.Status == "failed" {
				cat.FailedTargets = append(cat.FailedTargets, classify.FailedTarget{
					TargetID: row.TargetID, Stage: row.Stage, Error: row.Error,
				})
			}
			return nil
		})
		if err != nil {
			return faults.Resource("catalog.build", "summary_read_failed", err)
		}
	}

	var screenDone struct {
		Results []struct {
			TargetID string `json:"target_id"`
			Status   string `json:"status"`
			Reason   string `json:"reason"`
		} `json:"results"`
	}
	if err := atomicio.ReadJSON(filepath.Join(manifests, "yellow_screen_done.json"), &screenDone); err == nil {
		for _, r := range screenDone.Results {
			if r.Status == "failed" {
				cat.FailedTargets = append(cat.FailedTargets, classify.FailedTarget{
					TargetID: r.TargetID, Stage: "yellow_screen", Error: r.Reason,
				})
			}
		}
	}
	return nil
}

// signoffs reports the reviewer state for every enabled YELLOW-capable
// target.
func (b *Builder) signoffs(cat *Catalog) {
	for _, t := range b.Config.EnabledTargets() {
		rec, found, err := screen.LoadSignoff(b.Config.Globals.SignoffsRoot, t.ID)
		status := "missing"
		if err == nil && found {
			status = rec.Status
		}
		cat.Signoffs = append(cat.Signoffs, SignoffStatus{TargetID: t.ID, Status: status})
	}
}

func walkStats(root string) (StageStats, error) {
	var stats StageStats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, atomicio.PartSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += info.Size()
		return nil
	})
	if err != nil && isNotExist(err) {
		return StageStats{}, nil
	}
	return stats, err
}

func fileInfo(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
