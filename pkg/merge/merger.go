package merge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/record"
)

const combinedPrefix = "combined"

// Merger combines GREEN and screened YELLOW shards per pool.
type Merger struct {
	Config *policy.TargetsConfig
	Log    *slog.Logger
	RunID  string
}

// Options for one merge run.
type Options struct {
	Execute bool
}

// PoolResult summarizes one pool's merge.
type PoolResult struct {
	Pool    string `json:"pool"`
	Written int    `json:"written"`
	Skipped int    `json:"skipped"` // duplicates
	Shards  int    `json:"input_shards"`
}

// Summary aggregates a merge run.
type Summary struct {
	RunID   string       `json:"run_id"`
	Execute bool         `json:"execute"`
	Pools   []PoolResult `json:"pools"`
	Written int          `json:"written"`
	Skipped int          `json:"skipped"`
}

// inputShard is one enumerated source shard, ordered by (target, shard name)
// so the combined sequence is stable for a given input set.
type inputShard struct {
	targetID string
	name     string
	path     string
}

// Run merges every pool found under the GREEN and screened-YELLOW roots.
// Duplicate hashes keep their first writer; later sightings only produce a
// skip ledger row pointing at the winner.
func (m *Merger) Run(ctx context.Context, opts Options) (*Summary, error) {
	pools, err := m.discoverPools()
	if err != nil {
		return nil, err
	}

	summary := &Summary{RunID: m.RunID, Execute: opts.Execute}
	for _, pool := range pools {
		res, err := m.mergePool(ctx, pool, opts)
		if err != nil {
			return nil, err
		}
		summary.Pools = append(summary.Pools, *res)
		summary.Written += res.Written
		summary.Skipped += res.Skipped
	}

	manifest := filepath.Join(m.Config.Globals.ManifestsRoot, "merge_done.json")
	if err := atomicio.WriteJSON(manifest, summary); err != nil {
		return nil, faults.Resource("merge.run", "done_manifest_write_failed", err)
	}
	return summary, nil
}

func (m *Merger) mergePool(ctx context.Context, pool string, opts Options) (*PoolResult, error) {
	inputs, err := m.poolInputs(pool)
	if err != nil {
		return nil, err
	}
	res := &PoolResult{Pool: pool, Shards: len(inputs)}

	if !opts.Execute {
		seen := make(map[string]bool)
		for _, in := range inputs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := atomicio.ForEachShardRecord(in.path, func(_ int, line []byte) error {
				hash, err := hashOf(line)
				if err != nil {
					return err
				}
				if seen[hash] {
					res.Skipped++
				} else {
					seen[hash] = true
					res.Written++
				}
				return nil
			})
			if err != nil {
				return nil, faults.Resource("merge.run", "input_stream_failed", err)
			}
		}
		return res, nil
	}

	outDir := filepath.Join(m.Config.Globals.CombinedRoot, pool, "shards")
	if err := atomicio.ResetPartialShards(outDir); err != nil {
		return nil, faults.Resource("merge.run", "partial_shard_reset_failed", err)
	}
	writer, err := atomicio.NewShardWriter(outDir, combinedPrefix, m.Config.Globals.Sharding.MaxRecordsPerShard)
	if err != nil {
		return nil, faults.Resource("merge.run", "shard_writer_open_failed", err)
	}
	defer writer.Close() //nolint:errcheck // closed explicitly on success

	idx, err := newDedupeIndex(
		filepath.Join(m.Config.Globals.CombinedRoot, pool, "_dedupe"),
		m.Config.Globals.Merge.MaxIndexEntriesInMemory,
		estimateRecords(inputs, m.Config.Globals.Sharding.MaxRecordsPerShard),
		m.Config.Globals.CombinedRoot,
	)
	if err != nil {
		return nil, err
	}
	defer idx.Close() //nolint:errcheck // closed explicitly on success

	indexLedger, err := atomicio.OpenLedger(filepath.Join(m.Config.Globals.LedgerRoot, "combined_index.jsonl"))
	if err != nil {
		return nil, faults.Resource("merge.run", "ledger_open_failed", err)
	}
	defer indexLedger.Close() //nolint:errcheck // append-only
	skipLedger, err := atomicio.OpenLedger(filepath.Join(m.Config.Globals.LedgerRoot, "combined_dedup_skipped.jsonl"))
	if err != nil {
		return nil, faults.Resource("merge.run", "ledger_open_failed", err)
	}
	defer skipLedger.Close() //nolint:errcheck // append-only

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := m.Log.With("stage", "merge", "pool", pool, "shard", in.name)
		err := atomicio.ForEachShardRecord(in.path, func(offset int, line []byte) error {
			var rec record.Canonical
			if err := json.Unmarshal(line, &rec); err != nil {
				return faults.Integrity("merge.run", "record_unmarshal_failed", err)
			}
			if rec.Hash.ContentSHA256 == "" {
				rec.Stamp()
			}
			winner, err := idx.Lookup(rec.Hash.ContentSHA256)
			if err != nil {
				return err
			}
			if winner != nil {
				res.Skipped++
				return skipLedger.Append(map[string]any{
					"content_sha256":   rec.Hash.ContentSHA256,
					"skipped_target":   rec.Source.TargetID,
					"skipped_shard":    in.name,
					"skipped_offset":   offset,
					"winner_shard":     winner.Shard,
					"winner_offset":    winner.RecordOffset,
					"winner_target_id": winner.SourceTargetID,
					"license_pool":     winner.LicensePool,
				})
			}
			ref, err := writer.Append(&rec)
			if err != nil {
				return faults.Resource("merge.run", "shard_append_failed", err)
			}
			entry := &IndexEntry{
				ContentSHA256:  rec.Hash.ContentSHA256,
				Shard:          filepath.Join(pool, "shards", ref.Shard),
				RecordOffset:   ref.Offset,
				SourceTargetID: rec.Source.TargetID,
				LicensePool:    pool,
			}
			if err := idx.Admit(entry); err != nil {
				return err
			}
			res.Written++
			return indexLedger.Append(entry)
		})
		if err != nil {
			log.Error("merge aborted", "err", err)
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, faults.Resource("merge.run", "shard_close_failed", err)
	}
	if err := idx.Close(); err != nil {
		return nil, faults.Resource("merge.run", "index_close_failed", err)
	}
	return res, nil
}

// hashOf extracts or derives the content hash without keeping the record.
func hashOf(line []byte) (string, error) {
	var rec record.Canonical
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", faults.Integrity("merge.run", "record_unmarshal_failed", err)
	}
	if rec.Hash.ContentSHA256 == "" {
		rec.Stamp()
	}
	return rec.Hash.ContentSHA256, nil
}

// discoverPools returns the sorted union of pool directories under the GREEN
// raw root and the screened YELLOW root.
func (m *Merger) discoverPools() ([]string, error) {
	set := map[string]bool{}
	for _, root := range []string{
		filepath.Join(m.Config.Globals.RawRoot, "green"),
		m.Config.Globals.ScreenedYellowRoot,
	} {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, faults.Resource("merge.run", "pool_enumeration_failed", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				set[e.Name()] = true
			}
		}
	}
	pools := make([]string, 0, len(set))
	for p := range set {
		pools = append(pools, p)
	}
	sort.Strings(pools)
	return pools, nil
}

// poolInputs enumerates every source shard for a pool, GREEN first then
// screened YELLOW, each sorted by (target_id, shard_name).
func (m *Merger) poolInputs(pool string) ([]inputShard, error) {
	var all []inputShard
	for _, root := range []string{
		filepath.Join(m.Config.Globals.RawRoot, "green", pool),
		filepath.Join(m.Config.Globals.ScreenedYellowRoot, pool),
	} {
		shards, err := shardsUnder(root)
		if err != nil {
			return nil, err
		}
		all = append(all, shards...)
	}
	return all, nil
}

func shardsUnder(root string) ([]inputShard, error) {
	targets, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Resource("merge.run", "target_enumeration_failed", err)
	}
	var out []inputShard
	for _, t := range targets {
		if !t.IsDir() {
			continue
		}
		shardDir := filepath.Join(root, t.Name(), "shards")
		entries, err := os.ReadDir(shardDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, faults.Resource("merge.run", "shard_enumeration_failed", err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasSuffix(name, atomicio.PartSuffix) {
				continue
			}
			if strings.HasSuffix(name, ".jsonl.gz") || strings.HasSuffix(name, ".jsonl") {
				out = append(out, inputShard{
					targetID: t.Name(),
					name:     name,
					path:     filepath.Join(shardDir, name),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].targetID != out[j].targetID {
			return out[i].targetID < out[j].targetID
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

// estimateRecords sizes the bloom filter from the input shard count. The
// estimate only affects the false-positive rate, never correctness.
func estimateRecords(inputs []inputShard, perShard int) uint {
	n := uint(len(inputs)) * uint(perShard) //nolint:gosec // counts are small and non-negative
	if n < 1<<16 {
		n = 1 << 16
	}
	return n
}
