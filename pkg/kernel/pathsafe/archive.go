package pathsafe

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractOptions bounds an archive extraction.
type ExtractOptions struct {
	// MaxTotalBytes caps the sum of extracted entry sizes. Zero means no cap.
	MaxTotalBytes int64
	// MaxEntries caps the number of entries. Zero means no cap.
	MaxEntries int
}

// ErrArchiveTooLarge is returned when extraction exceeds the configured cap.
var ErrArchiveTooLarge = errors.New("archive exceeds size cap")

// ExtractTarGz extracts a gzip tar stream under dest. Every entry path is
// contained under dest; only regular files and directories are allowed; the
// total extracted size and entry count are capped.
func ExtractTarGz(r io.Reader, dest string, opts ExtractOptions) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close() //nolint:errcheck // read-only close
	return ExtractTar(gz, dest, opts)
}

// ExtractTar extracts a tar stream under dest with the same guards as
// ExtractTarGz.
func ExtractTar(r io.Reader, dest string, opts ExtractOptions) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("ensure dest: %w", err)
	}
	tr := tar.NewReader(r)
	var total int64
	entries := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		entries++
		if opts.MaxEntries > 0 && entries > opts.MaxEntries {
			return fmt.Errorf("archive exceeds entry cap %d", opts.MaxEntries)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("archive entry %q attempts traversal", hdr.Name)
		}
		target, err := EnsureUnderRoot(filepath.Join(dest, name), dest)
		if err != nil {
			return fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if opts.MaxTotalBytes > 0 && total+hdr.Size > opts.MaxTotalBytes {
				return fmt.Errorf("%w: cap %d bytes", ErrArchiveTooLarge, opts.MaxTotalBytes)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // containment checked above
			if err != nil {
				return fmt.Errorf("open %s: %w", target, err)
			}
			limit := hdr.Size
			if opts.MaxTotalBytes > 0 {
				limit = opts.MaxTotalBytes - total
			}
			n, err := io.Copy(f, io.LimitReader(tr, limit+1))
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("extract %s: %w", target, err)
			}
			total += n
			if opts.MaxTotalBytes > 0 && total > opts.MaxTotalBytes {
				return fmt.Errorf("%w: cap %d bytes", ErrArchiveTooLarge, opts.MaxTotalBytes)
			}
		default:
			// symlinks, devices, fifos are refused outright
			return fmt.Errorf("archive entry %q has disallowed type %d", hdr.Name, hdr.Typeflag)
		}
	}
}
