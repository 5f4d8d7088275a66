// Package screen applies the record-level gate to YELLOW payloads: signoff
// verification, per-record canonicalization, and pitch accounting. Passed
// records are the only YELLOW material the merger ever sees.
package screen

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
)

// Signoff statuses a reviewer can record. pending is a valid state: the
// reviewer has the target but has not decided, so it gates like no signoff.
const (
	SignoffApproved = "approved"
	SignoffRejected = "rejected"
	SignoffPending  = "pending"
)

// Pitch reasons for whole-target signoff failures.
const (
	ReasonSignoffMissing  = "signoff_missing"
	ReasonSignoffRejected = "signoff_rejected"
	ReasonSignoffStale    = "signoff_stale"
)

// SignoffRecord is the reviewer's decision file, one per target under
// signoffs_root. The evidence hash binds the approval to the exact license
// text the reviewer saw.
type SignoffRecord struct {
	TargetID              string   `yaml:"target_id"`
	Status                string   `yaml:"status"`
	Reviewer              string   `yaml:"reviewer"`
	ReviewerContact       string   `yaml:"reviewer_contact,omitempty"`
	ReviewedAtUTC         string   `yaml:"reviewed_at_utc"`
	EvidenceLinksChecked  []string `yaml:"evidence_links_checked,omitempty"`
	Constraints           string   `yaml:"constraints,omitempty"`
	Notes                 string   `yaml:"notes,omitempty"`
	EvidenceHashAtSignoff string   `yaml:"evidence_hash_at_signoff"`
}

// LoadSignoff reads signoffs_root/<target_id>.yaml. A missing file is not an
// error; the gate turns absence into a pitch reason.
func LoadSignoff(root, targetID string) (*SignoffRecord, bool, error) {
	path := filepath.Join(root, pathsafe.SanitizeFilename(targetID)+".yaml")
	data, err := os.ReadFile(path) //nolint:gosec // sanitized name under tool-owned root
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, faults.Signoff("screen.signoff", "signoff_unreadable", err)
	}
	var rec SignoffRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, false, faults.Signoff("screen.signoff", "signoff_yaml_invalid", err)
	}
	if rec.Status != SignoffApproved && rec.Status != SignoffRejected && rec.Status != SignoffPending {
		return nil, false, faults.Signoff("screen.signoff", "signoff_status_invalid",
			fmt.Errorf("target %s: status %q", targetID, rec.Status))
	}
	if rec.TargetID != "" && rec.TargetID != targetID {
		return nil, false, faults.Signoff("screen.signoff", "signoff_target_mismatch",
			fmt.Errorf("file for %s names %s", targetID, rec.TargetID))
	}
	return &rec, true, nil
}

// GateSignoff decides whether a target may be screened. It returns a pitch
// reason, or "" when the target proceeds. currentEvidenceHash is the hash of
// the evidence on disk now; any drift from the hash recorded at signoff time
// stales the approval.
func GateSignoff(rec *SignoffRecord, found bool, currentEvidenceHash string) string {
	if !found || rec.Status == SignoffPending {
		return ReasonSignoffMissing
	}
	if rec.Status == SignoffRejected {
		return ReasonSignoffRejected
	}
	if rec.EvidenceHashAtSignoff == "" || rec.EvidenceHashAtSignoff != currentEvidenceHash {
		return ReasonSignoffStale
	}
	return ""
}
