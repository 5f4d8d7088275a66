// Package evidence captures and versions the license/ToS documents that
// justify bucketing decisions. One canonical evidence file exists per target;
// superseded versions are renamed aside, never deleted.
package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
)

// Snapshot is the sidecar metadata for one captured evidence document.
type Snapshot struct {
	ContentType          string    `json:"content_type"`
	SHA256RawBytes       string    `json:"sha256_raw_bytes"`
	SHA256NormalizedText string    `json:"sha256_normalized_text"`
	TextExtractionFailed bool      `json:"text_extraction_failed"`
	RetrievedAtUTC       time.Time `json:"retrieved_at_utc"`
	URLFinal             string    `json:"url_final"`
	Ext                  string    `json:"ext"`
}

const (
	evidenceBase = "license_evidence"
	sidecarName  = "license_evidence.json.meta"
)

// EvidenceHash returns the hash downstream staleness checks bind to: the
// normalized-text hash, or the raw hash when extraction failed (§ change
// policy: failed extraction forces raw-hash equality).
func (s *Snapshot) EvidenceHash() string {
	if s.TextExtractionFailed {
		return s.SHA256RawBytes
	}
	return s.SHA256NormalizedText
}

// Changed reports whether cur differs from prev under the given change
// policy. Policy "either" treats any raw or normalized mismatch as a change;
// "normalized" trusts the normalized hash alone and is only safe when text
// extraction is reliable.
func Changed(prev, cur *Snapshot, policy string) bool {
	if prev == nil || cur == nil {
		return true
	}
	switch policy {
	case "normalized":
		if prev.TextExtractionFailed || cur.TextExtractionFailed {
			return prev.SHA256RawBytes != cur.SHA256RawBytes
		}
		return prev.SHA256NormalizedText != cur.SHA256NormalizedText
	default: // "either"
		return prev.SHA256RawBytes != cur.SHA256RawBytes ||
			prev.SHA256NormalizedText != cur.SHA256NormalizedText
	}
}

// SidecarPath returns the sidecar location inside a target's evidence dir.
func SidecarPath(dir string) string { return filepath.Join(dir, sidecarName) }

// CurrentPath returns the canonical evidence file path for a snapshot.
func CurrentPath(dir string, snap *Snapshot) string {
	return filepath.Join(dir, evidenceBase+"."+snap.Ext)
}

// LoadSidecar reads the current snapshot sidecar for a target, if present.
func LoadSidecar(dir string) (*Snapshot, bool, error) {
	var snap Snapshot
	err := atomicio.ReadJSON(SidecarPath(dir), &snap)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load evidence sidecar: %w", err)
	}
	return &snap, true, nil
}

// writeSidecar persists the snapshot sidecar atomically.
func writeSidecar(dir string, snap *Snapshot) error {
	return atomicio.WriteJSON(SidecarPath(dir), snap)
}

// archivePrior renames any current license_evidence.<ext> siblings to
// license_evidence.prev_<n>.<ext>, picking the smallest free n so repeated
// rotations never collide.
func archivePrior(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan evidence dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == sidecarName {
			continue
		}
		if !strings.HasPrefix(name, evidenceBase+".") ||
			strings.Contains(name, ".prev_") ||
			strings.HasSuffix(name, atomicio.PartSuffix) {
			continue
		}
		ext := strings.TrimPrefix(name, evidenceBase+".")
		for n := 1; ; n++ {
			dst := filepath.Join(dir, fmt.Sprintf("%s.prev_%d.%s", evidenceBase, n, ext))
			if _, err := os.Stat(dst); os.IsNotExist(err) {
				if err := os.Rename(filepath.Join(dir, name), dst); err != nil {
					return fmt.Errorf("archive prior evidence: %w", err)
				}
				break
			}
		}
	}
	return nil
}
