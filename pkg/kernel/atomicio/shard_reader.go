package atomicio

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"strings"
)

// ForEachShardRecord streams the records of a gzip-JSONL shard (or a plain
// JSONL file) into fn with their zero-based offsets.
func ForEachShardRecord(path string, fn func(offset int, line []byte) error) error {
	f, err := os.Open(path) //nolint:gosec // tool-owned path
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only close

	var sc *bufio.Scanner
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close() //nolint:errcheck // read-only close
		sc = bufio.NewScanner(gz)
	} else {
		sc = bufio.NewScanner(f)
	}
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	offset := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(offset, line); err != nil {
			return err
		}
		offset++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}
