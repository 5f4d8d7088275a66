package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/record"
)

func newMerger(t *testing.T) (*Merger, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &policy.TargetsConfig{}
	cfg.Globals.RawRoot = filepath.Join(root, "raw")
	cfg.Globals.ScreenedYellowRoot = filepath.Join(root, "screened_yellow")
	cfg.Globals.CombinedRoot = filepath.Join(root, "combined")
	cfg.Globals.ManifestsRoot = filepath.Join(root, "manifests")
	cfg.Globals.LedgerRoot = filepath.Join(root, "ledger")
	cfg.Globals.Sharding.MaxRecordsPerShard = 3
	cfg.Globals.Merge.MaxIndexEntriesInMemory = 1 << 10
	require.NoError(t, os.MkdirAll(cfg.Globals.LedgerRoot, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Globals.ManifestsRoot, 0o755))

	return &Merger{
		Config: cfg,
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		RunID:  "run-test",
	}, root
}

func canonical(t *testing.T, targetID, text string) []byte {
	t.Helper()
	rec := &record.Canonical{RecordID: targetID + "/" + text, Text: text}
	rec.Source.TargetID = targetID
	rec.Stamp()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return append(data, '\n')
}

// seedShard writes one plain JSONL shard under
// <root>/<target>/shards/<name> from canonical records.
func seedShard(t *testing.T, root, targetID, name string, lines ...[]byte) {
	t.Helper()
	dir := filepath.Join(root, targetID, "shards")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0o644))
}

func readCombined(t *testing.T, m *Merger, pool string) []record.Canonical {
	t.Helper()
	shardDir := filepath.Join(m.Config.Globals.CombinedRoot, pool, "shards")
	matches, err := filepath.Glob(filepath.Join(shardDir, "combined_*.jsonl.gz"))
	require.NoError(t, err)
	var out []record.Canonical
	for _, path := range matches {
		err := atomicio.ForEachShardRecord(path, func(_ int, line []byte) error {
			var rec record.Canonical
			if err := json.Unmarshal(line, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

func TestMergeDeduplicatesWithinPool(t *testing.T) {
	m, _ := newMerger(t)
	greenPool := filepath.Join(m.Config.Globals.RawRoot, "green", "permissive")
	seedShard(t, greenPool, "alpha", "file_00000.jsonl",
		canonical(t, "alpha", "shared text body"),
		canonical(t, "alpha", "unique to alpha"),
	)
	// beta repeats alpha's first record with different whitespace, which
	// hashes identically
	seedShard(t, greenPool, "beta", "file_00000.jsonl",
		canonical(t, "beta", "  shared   text body "),
		canonical(t, "beta", "unique to beta"),
	)

	summary, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Written)
	assert.Equal(t, 1, summary.Skipped)

	records := readCombined(t, m, "permissive")
	require.Len(t, records, 3)
	// alpha sorts before beta, so alpha wins the shared record
	assert.Equal(t, "alpha", records[0].Source.TargetID)

	// the skip ledger points at the winner
	var skips []map[string]any
	err = atomicio.ForEachJSONLine(filepath.Join(m.Config.Globals.LedgerRoot, "combined_dedup_skipped.jsonl"), func(line []byte) error {
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return err
		}
		skips = append(skips, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, "beta", skips[0]["skipped_target"])
	assert.Equal(t, "alpha", skips[0]["winner_target_id"])
}

func TestMergeCombinesGreenAndScreenedYellow(t *testing.T) {
	m, _ := newMerger(t)
	seedShard(t, filepath.Join(m.Config.Globals.RawRoot, "green", "permissive"),
		"green-t", "file_00000.jsonl", canonical(t, "green-t", "green record"))
	seedShard(t, filepath.Join(m.Config.Globals.ScreenedYellowRoot, "permissive"),
		"yellow-t", "yellow_shard_00000.jsonl", canonical(t, "yellow-t", "yellow record"))
	seedShard(t, filepath.Join(m.Config.Globals.ScreenedYellowRoot, "copyleft"),
		"cl-t", "yellow_shard_00000.jsonl", canonical(t, "cl-t", "copyleft record"))

	summary, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Written)
	require.Len(t, summary.Pools, 2) // sorted: copyleft, permissive
	assert.Equal(t, "copyleft", summary.Pools[0].Pool)
	assert.Equal(t, "permissive", summary.Pools[1].Pool)

	assert.Len(t, readCombined(t, m, "permissive"), 2)
	assert.Len(t, readCombined(t, m, "copyleft"), 1)
}

func TestMergeDryRunWritesNoShards(t *testing.T) {
	m, _ := newMerger(t)
	greenPool := filepath.Join(m.Config.Globals.RawRoot, "green", "permissive")
	seedShard(t, greenPool, "alpha", "file_00000.jsonl",
		canonical(t, "alpha", "one record"),
		canonical(t, "alpha", "one record"),
	)

	summary, err := m.Run(context.Background(), Options{Execute: false})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 1, summary.Skipped)

	_, err = os.Stat(filepath.Join(m.Config.Globals.CombinedRoot, "permissive"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(m.Config.Globals.ManifestsRoot, "merge_done.json"))
	assert.NoError(t, err)
}

func TestMergeRerunSkipsEverything(t *testing.T) {
	m, _ := newMerger(t)
	greenPool := filepath.Join(m.Config.Globals.RawRoot, "green", "permissive")
	seedShard(t, greenPool, "alpha", "file_00000.jsonl",
		canonical(t, "alpha", "record one"),
		canonical(t, "alpha", "record two"),
	)

	first, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Written)

	// the persisted bucket index makes a rerun a no-op
	second, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Zero(t, second.Written)
	assert.Equal(t, 2, second.Skipped)

	assert.Len(t, readCombined(t, m, "permissive"), 2)
}

func TestMergeReadmitsRecordAfterCrashBeforeShardCommit(t *testing.T) {
	m, _ := newMerger(t)
	line := canonical(t, "alpha", "record caught mid-crash")
	seedShard(t, filepath.Join(m.Config.Globals.RawRoot, "green", "permissive"),
		"alpha", "file_00000.jsonl", line)

	// a prior run crashed between the index append and the shard rename: the
	// bucket holds the hash, the shard it points at was a .part and is gone
	var rec record.Canonical
	require.NoError(t, json.Unmarshal(line, &rec))
	b, err := bucketOf(rec.Hash.ContentSHA256)
	require.NoError(t, err)
	dedupeDir := filepath.Join(m.Config.Globals.CombinedRoot, "permissive", "_dedupe")
	require.NoError(t, os.MkdirAll(dedupeDir, 0o755))
	entry, err := json.Marshal(IndexEntry{
		ContentSHA256:  rec.Hash.ContentSHA256,
		Shard:          filepath.Join("permissive", "shards", "combined_00000.jsonl.gz"),
		SourceTargetID: "alpha",
		LicensePool:    "permissive",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(dedupeDir, fmt.Sprintf("bucket_%02x.jsonl", b)), append(entry, '\n'), 0o644))

	summary, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Zero(t, summary.Skipped)

	records := readCombined(t, m, "permissive")
	require.Len(t, records, 1)
	assert.Equal(t, rec.Hash.ContentSHA256, records[0].Hash.ContentSHA256)
}

func TestMergeStampsMissingHashes(t *testing.T) {
	m, _ := newMerger(t)
	rec := &record.Canonical{RecordID: "r-1", Text: "needs a hash"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	seedShard(t, filepath.Join(m.Config.Globals.RawRoot, "green", "permissive"),
		"alpha", "file_00000.jsonl", append(data, '\n'))

	summary, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)

	records := readCombined(t, m, "permissive")
	require.Len(t, records, 1)
	assert.Equal(t, record.ContentHash("needs a hash"), records[0].Hash.ContentSHA256)
}

func TestMergeNoPoolsIsANoOp(t *testing.T) {
	m, _ := newMerger(t)
	summary, err := m.Run(context.Background(), Options{Execute: true})
	require.NoError(t, err)
	assert.Empty(t, summary.Pools)
	assert.Zero(t, summary.Written)
}
