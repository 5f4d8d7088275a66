package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

func hashFor(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBucketOf(t *testing.T) {
	b, err := bucketOf("00ab")
	require.NoError(t, err)
	assert.Equal(t, 0, b)

	b, err = bucketOf("ff01")
	require.NoError(t, err)
	assert.Equal(t, 255, b)

	b, err = bucketOf("a7" + hashFor("x"))
	require.NoError(t, err)
	assert.Equal(t, 0xa7, b)

	_, err = bucketOf("f")
	assert.Error(t, err)
	_, err = bucketOf("zz00")
	assert.Error(t, err)
}

func TestIndexAdmitAndLookup(t *testing.T) {
	idx, err := newDedupeIndex(t.TempDir(), 100, 1<<10, "")
	require.NoError(t, err)
	defer idx.Close() //nolint:errcheck // test cleanup

	h := hashFor("record one")
	got, err := idx.Lookup(h)
	require.NoError(t, err)
	assert.Nil(t, got)

	entry := &IndexEntry{ContentSHA256: h, Shard: "permissive/shards/combined_00000.jsonl.gz", SourceTargetID: "a"}
	require.NoError(t, idx.Admit(entry))

	got, err = idx.Lookup(h)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.SourceTargetID)
}

func TestIndexSurvivesCacheDrop(t *testing.T) {
	idx, err := newDedupeIndex(t.TempDir(), 2, 1<<10, "")
	require.NoError(t, err)
	defer idx.Close() //nolint:errcheck // test cleanup

	hashes := []string{hashFor("a"), hashFor("b"), hashFor("c"), hashFor("d")}
	for i, h := range hashes {
		require.NoError(t, idx.Admit(&IndexEntry{ContentSHA256: h, RecordOffset: i}))
	}

	// the cache was dropped at least once; disk remains the authority
	for i, h := range hashes {
		got, err := idx.Lookup(h)
		require.NoError(t, err)
		require.NotNil(t, got, h)
		assert.Equal(t, i, got.RecordOffset)
	}
}

func TestIndexPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	h := hashFor("durable")

	idx, err := newDedupeIndex(dir, 100, 1<<10, "")
	require.NoError(t, err)
	require.NoError(t, idx.Admit(&IndexEntry{ContentSHA256: h, SourceTargetID: "first-writer"}))
	require.NoError(t, idx.Close())

	reopened, err := newDedupeIndex(dir, 100, 1<<10, "")
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup

	got, err := reopened.Lookup(h)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first-writer", got.SourceTargetID)
}

func TestIndexPrunesEntriesForUncommittedShards(t *testing.T) {
	dir := t.TempDir()
	shardRoot := t.TempDir()
	lost := hashFor("admitted but never committed")
	durable := hashFor("committed record")

	committedShard := filepath.Join("permissive", "shards", "combined_00000.jsonl.gz")
	require.NoError(t, os.MkdirAll(filepath.Join(shardRoot, "permissive", "shards"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shardRoot, committedShard), []byte("x"), 0o644))

	idx, err := newDedupeIndex(dir, 100, 1<<10, shardRoot)
	require.NoError(t, err)
	require.NoError(t, idx.Admit(&IndexEntry{
		ContentSHA256: lost, Shard: filepath.Join("permissive", "shards", "combined_00099.jsonl.gz"),
	}))
	require.NoError(t, idx.Admit(&IndexEntry{ContentSHA256: durable, Shard: committedShard}))
	require.NoError(t, idx.Close())

	// the shard named by the first entry was never renamed final; reopening
	// must forget that claim so the record can be admitted again
	reopened, err := newDedupeIndex(dir, 100, 1<<10, shardRoot)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup

	got, err := reopened.Lookup(lost)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = reopened.Lookup(durable)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, committedShard, got.Shard)
}

func TestIndexRejectsCorruptBucket(t *testing.T) {
	dir := t.TempDir()
	h := hashFor("x")
	b, err := bucketOf(h)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, fmt.Sprintf("bucket_%02x.jsonl", b)),
		[]byte("{not json\n"), 0o644))

	_, err = newDedupeIndex(dir, 100, 1<<10, "")
	require.Error(t, err)
	assert.Equal(t, faults.KindDedupe, faults.KindOf(err))
}

func TestIndexMalformedHash(t *testing.T) {
	idx, err := newDedupeIndex(t.TempDir(), 100, 1<<10, "")
	require.NoError(t, err)
	defer idx.Close() //nolint:errcheck // test cleanup

	err = idx.Admit(&IndexEntry{ContentSHA256: "q"})
	require.Error(t, err)
	assert.Equal(t, "content_hash_malformed", faults.ReasonOf(err))
}
