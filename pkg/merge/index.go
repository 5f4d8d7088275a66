// Package merge combines canonical GREEN shards and screened YELLOW shards
// into per-pool combined shards, deduplicating on the content hash with
// bounded memory.
package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
)

// IndexEntry records the winning location of one content hash. Entries are
// append-only; the first writer of a hash wins for the life of the dataset.
type IndexEntry struct {
	ContentSHA256  string `json:"content_sha256"`
	Shard          string `json:"shard"`
	RecordOffset   int    `json:"record_offset"`
	SourceTargetID string `json:"source_target_id"`
	LicensePool    string `json:"license_pool"`
}

// dedupeIndex is the 256-bucket dedupe structure. A bloom filter screens out
// the common definitely-new case; an in-memory cache per bucket answers
// repeats within a run; the on-disk bucket files are the durable authority
// consulted on a cache miss. The cache is dropped wholesale when it outgrows
// its budget, the disk index never is.
type dedupeIndex struct {
	dir      string
	filter   *bloom.BloomFilter
	cache    [256]map[string]*IndexEntry
	cached   int
	maxCache int

	writers [256]*atomicio.Ledger
}

// newDedupeIndex opens the bucket index under dir. shardRoot, when non-empty,
// is the root entry shard paths are relative to: entries whose shard never
// committed (a crash between index append and shard rename, the .part was
// reclaimed) are pruned on open so their records can be re-admitted.
func newDedupeIndex(dir string, maxCache int, expectedRecords uint, shardRoot string) (*dedupeIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.Resource("merge.index", "index_dir_create_failed", err)
	}
	idx := &dedupeIndex{
		dir:      dir,
		filter:   bloom.NewWithEstimates(expectedRecords, 0.001),
		maxCache: maxCache,
	}
	// Prior runs' entries must hit the bloom filter or duplicates from a
	// resumed merge would be re-admitted.
	for b := 0; b < 256; b++ {
		var kept []byte
		pruned := false
		err := atomicio.ForEachJSONLine(idx.bucketPath(b), func(line []byte) error {
			var e IndexEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return faults.Dedupe("merge.index", "bucket_index_corrupt",
					fmt.Errorf("bucket %02x: %w", b, err))
			}
			if shardRoot != "" && e.Shard != "" {
				if _, err := os.Stat(filepath.Join(shardRoot, e.Shard)); err != nil {
					pruned = true
					return nil
				}
			}
			idx.filter.Add([]byte(e.ContentSHA256))
			kept = append(kept, line...)
			kept = append(kept, '\n')
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if pruned {
			if err := atomicio.WriteAtomic(idx.bucketPath(b), kept, 0o644); err != nil {
				return nil, faults.Resource("merge.index", "bucket_rewrite_failed", err)
			}
		}
	}
	return idx, nil
}

func (idx *dedupeIndex) bucketPath(b int) string {
	return filepath.Join(idx.dir, fmt.Sprintf("bucket_%02x.jsonl", b))
}

func bucketOf(hash string) (int, error) {
	if len(hash) < 2 {
		return 0, faults.Dedupe("merge.index", "content_hash_malformed", fmt.Errorf("hash %q", hash))
	}
	var b int
	if _, err := fmt.Sscanf(hash[:2], "%02x", &b); err != nil {
		return 0, faults.Dedupe("merge.index", "content_hash_malformed", fmt.Errorf("hash %q: %w", hash, err))
	}
	return b, nil
}

// Lookup returns the winning entry for a hash, or nil when the hash is new.
func (idx *dedupeIndex) Lookup(hash string) (*IndexEntry, error) {
	if !idx.filter.Test([]byte(hash)) {
		return nil, nil
	}
	b, err := bucketOf(hash)
	if err != nil {
		return nil, err
	}
	if idx.cache[b] != nil {
		if e, ok := idx.cache[b][hash]; ok {
			return e, nil
		}
	}
	// bloom positive, cache miss: the disk bucket decides
	var found *IndexEntry
	err = atomicio.ForEachJSONLine(idx.bucketPath(b), func(line []byte) error {
		var e IndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return faults.Dedupe("merge.index", "bucket_index_corrupt",
				fmt.Errorf("bucket %02x: %w", b, err))
		}
		if e.ContentSHA256 == hash {
			found = &e
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return found, nil
}

// Admit registers a new hash as won by entry. The caller must have checked
// Lookup first; buckets are writer-exclusive within a merge run.
func (idx *dedupeIndex) Admit(e *IndexEntry) error {
	b, err := bucketOf(e.ContentSHA256)
	if err != nil {
		return err
	}
	if idx.writers[b] == nil {
		w, err := atomicio.OpenLedger(idx.bucketPath(b))
		if err != nil {
			return faults.Resource("merge.index", "bucket_open_failed", err)
		}
		idx.writers[b] = w
	}
	if err := idx.writers[b].Append(e); err != nil {
		return faults.Resource("merge.index", "bucket_append_failed", err)
	}
	idx.filter.Add([]byte(e.ContentSHA256))

	if idx.cached >= idx.maxCache {
		for i := range idx.cache {
			idx.cache[i] = nil
		}
		idx.cached = 0
	}
	if idx.cache[b] == nil {
		idx.cache[b] = make(map[string]*IndexEntry)
	}
	idx.cache[b][e.ContentSHA256] = e
	idx.cached++
	return nil
}

func (idx *dedupeIndex) Close() error {
	var firstErr error
	for _, w := range idx.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
