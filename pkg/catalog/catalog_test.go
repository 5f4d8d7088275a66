package catalog

import (
	"encoding/json"
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

func newBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &policy.TargetsConfig{}
	cfg.Globals.RawRoot = filepath.Join(root, "raw")
	cfg.Globals.ScreenedYellowRoot = filepath.Join(root, "screened_yellow")
	cfg.Globals.CombinedRoot = filepath.Join(root, "combined")
	cfg.Globals.ManifestsRoot = filepath.Join(root, "manifests")
	cfg.Globals.LedgerRoot = filepath.Join(root, "ledger")
	cfg.Globals.CatalogsRoot = filepath.Join(root, "catalogs")
	cfg.Globals.SignoffsRoot = filepath.Join(root, "signoffs")
	for _, d := range []string{"manifests", "ledger", "catalogs", "signoffs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	return &Builder{
		Config:      cfg,
		Snapshot:    &policy.Snapshot{},
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		RunID:       "run-test",
		ToolVersion: "1.0.0",
	}, root
}

func appendLines(t *testing.T, path string, rows ...any) {
	t.Helper()
	led, err := atomicio.OpenLedger(path)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, led.Append(row))
	}
	require.NoError(t, led.Close())
}

// seedCombined writes n canonical records into a real combined shard.
func seedCombined(t *testing.T, root, pool string, texts ...string) {
	t.Helper()
	dir := filepath.Join(root, "combined", pool, "shards")
	w, err := atomicio.NewShardWriter(dir, "combined", 100)
	require.NoError(t, err)
	for _, text := range texts {
		rec := &record.Canonical{RecordID: text, Text: text}
		rec.Stamp()
		_, err := w.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestCatalogBuild(t *testing.T) {
	b, root := newBuilder(t)
	seedCombined(t, root, "permissive", "record one", "record two")
	seedCombined(t, root, "copyleft", "record three")

	appendLines(t, filepath.Join(root, "ledger", "yellow_passed.jsonl"),
		map[string]any{"target_id": "yt-1"},
		map[string]any{"target_id": "yt-1"},
	)
	appendLines(t, filepath.Join(root, "ledger", "yellow_pitched.jsonl"),
		map[string]any{"target_id": "yt-1", "reason": "text_too_short"},
		map[string]any{"target_id": "yt-1", "reason": "text_too_short"},
		map[string]any{"target_id": "yt-1", "reason": "deny_phrase"},
	)
	appendLines(t, filepath.Join(root, "ledger", "combined_index.jsonl"),
		map[string]any{"content_sha256": "h1"},
		map[string]any{"content_sha256": "h2"},
		map[string]any{"content_sha256": "h3"},
	)
	appendLines(t, filepath.Join(root, "ledger", "combined_dedup_skipped.jsonl"),
		map[string]any{"content_sha256": "h1"},
	)

	cat, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "run-test", cat.RunID)
	assert.Equal(t, "1.0.0", cat.ToolVersion)

	require.Len(t, cat.Pools, 2) // sorted by path: copyleft first
	assert.Equal(t, "copyleft", cat.Pools[0].Pool)
	assert.Equal(t, 1, cat.Pools[0].Records)
	assert.Equal(t, "permissive", cat.Pools[1].Pool)
	assert.Equal(t, 2, cat.Pools[1].Records)
	assert.Equal(t, 3, cat.CombinedRecords)

	assert.Equal(t, 2, cat.YellowPassed)
	assert.Equal(t, map[string]int{"text_too_short": 2, "deny_phrase": 1}, cat.YellowPitched)
	assert.Equal(t, 1, cat.DedupeSkipped)
	assert.Equal(t, 3, cat.IndexEntries)
	assert.False(t, cat.IndexDrift) // 3 index entries, 3 combined records

	assert.Equal(t, 2, cat.Stages["combined"].Files) // one shard per pool
	assert.Positive(t, cat.Stages["combined"].Bytes)
	assert.Zero(t, cat.Stages["raw"].Files)

	// the catalog itself is on disk
	var reread Catalog
	data, err := os.ReadFile(filepath.Join(root, "catalogs", "catalog.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reread))
	assert.Equal(t, cat.CombinedRecords, reread.CombinedRecords)
}

func TestCatalogIndexDrift(t *testing.T) {
	b, root := newBuilder(t)
	seedCombined(t, root, "permissive", "only record")
	appendLines(t, filepath.Join(root, "ledger", "combined_index.jsonl"),
		map[string]any{"content_sha256": "h1"},
		map[string]any{"content_sha256": "h2"},
	)

	cat, err := b.Build()
	require.NoError(t, err)
	assert.True(t, cat.IndexDrift)
}

func TestCatalogAggregatesFailures(t *testing.T) {
	b, root := newBuilder(t)

	require.NoError(t, atomicio.WriteJSON(filepath.Join(root, "manifests", "classify_done.json"), map[string]any{
		"failed_targets": []map[string]any{
			{"target_id": "t1", "stage": "classify", "error": "evidence fetch failed"},
		},
	}))
	appendLines(t, filepath.Join(root, "ledger", "acquire_summary_run-test.jsonl"),
		map[string]any{"target_id": "t2", "stage": "acquire_green", "status": "failed", "error": "retries_exhausted"},
		map[string]any{"target_id": "t3", "stage": "acquire_green", "status": "ok"},
	)
	require.NoError(t, atomicio.WriteJSON(filepath.Join(root, "manifests", "yellow_screen_done.json"), map[string]any{
		"results": []map[string]any{
			{"target_id": "t4", "status": "failed", "reason": "input_stream_failed"},
			{"target_id": "t5", "status": "screened"},
		},
	}))

	cat, err := b.Build()
	require.NoError(t, err)

	require.Len(t, cat.FailedTargets, 3)
	assert.Equal(t, "t1", cat.FailedTargets[0].TargetID)
	assert.Equal(t, "t2", cat.FailedTargets[1].TargetID)
	assert.Equal(t, "acquire_green", cat.FailedTargets[1].Stage)
	assert.Equal(t, "t4", cat.FailedTargets[2].TargetID)
}

func TestCatalogSignoffStates(t *testing.T) {
	b, root := newBuilder(t)
	b.Config.Targets = []policy.Target{
		{ID: "approved-t", Enabled: true},
		{ID: "unreviewed-t", Enabled: true},
		{ID: "disabled-t", Enabled: false},
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "signoffs", "approved-t.yaml"),
		[]byte("target_id: approved-t\nstatus: approved\nevidence_hash_at_signoff: h1\n"), 0o644))

	cat, err := b.Build()
	require.NoError(t, err)

	require.Len(t, cat.Signoffs, 2)
	assert.Equal(t, SignoffStatus{TargetID: "approved-t", Status: "approved"}, cat.Signoffs[0])
	assert.Equal(t, SignoffStatus{TargetID: "unreviewed-t", Status: "missing"}, cat.Signoffs[1])
}

func TestCatalogEmptyRunStillCatalogs(t *testing.T) {
	b, root := newBuilder(t)

	cat, err := b.Build()
	require.NoError(t, err)
	assert.Zero(t, cat.CombinedRecords)
	assert.Empty(t, cat.Pools)
	assert.False(t, cat.IndexDrift)

	_, err = os.Stat(filepath.Join(root, "catalogs", "catalog.json"))
	assert.NoError(t, err)
}
