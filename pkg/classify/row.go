// Package classify buckets targets into GREEN / YELLOW / RED queues from
// evidence snapshots, the SPDX rulebook, restriction scanning, and the
// denylist, and writes the evaluation manifest that makes each decision
// replayable.
package classify

import (
	"encoding/json"
	"os"

	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/record"
)

// Queue file names under queues_root. RED rows go to the rejected file and
// never reach an acquire queue.
const (
	GreenQueueFile  = "queue_green.jsonl"
	YellowQueueFile = "queue_yellow.jsonl"
	RedRejectedFile = "red_rejected.jsonl"
)

// QueueRow is the classifier's output contract, stable for downstream
// consumption.
type QueueRow struct {
	TargetID           string           `json:"target_id"`
	Bucket             policy.Bucket    `json:"bucket"`
	LicenseProfile     policy.Profile   `json:"license_profile"`
	LicensePool        policy.Pool      `json:"license_pool"`
	ResolvedSPDX       string           `json:"resolved_spdx"`
	SPDXConfidence     float64          `json:"spdx_confidence"`
	RestrictionHits    []string         `json:"restriction_hits"`
	DenylistHits       []policy.DenyHit `json:"denylist_hits"`
	Routing            record.Routing   `json:"routing"`
	Download           policy.Download  `json:"download"`
	ManifestDir        string           `json:"manifest_dir"`
	EvidenceRef        string           `json:"evidence_ref"`
	PolicySnapshotHash string           `json:"policy_snapshot_hash"`
}

// ReadQueue loads a queue file. A missing file reads as empty: downstream
// stages treat an absent queue the same as a drained one.
func ReadQueue(path string) ([]QueueRow, error) {
	var rows []QueueRow
	err := atomicio.ForEachJSONLine(path, func(line []byte) error {
		var row QueueRow
		if err := json.Unmarshal(line, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TraceStep is one ordered step of the bucket decision, recorded in
// evaluation.json so a reviewer can replay the outcome without re-running.
type TraceStep struct {
	Step    int    `json:"step"`
	Rule    string `json:"rule"`
	Outcome string `json:"outcome"`
}

// Evaluation is the per-target manifest written alongside the queue row.
type Evaluation struct {
	TargetID             string           `json:"target_id"`
	RunID                string           `json:"run_id"`
	Bucket               policy.Bucket    `json:"bucket"`
	Reason               string           `json:"reason,omitempty"`
	ResolvedSPDX         string           `json:"resolved_spdx"`
	SPDXConfidence       float64          `json:"spdx_confidence"`
	SPDXEvidenceSnippet  string           `json:"spdx_evidence_snippet,omitempty"`
	RestrictionHits      []string         `json:"restriction_hits"`
	DenylistHits         []policy.DenyHit `json:"denylist_hits"`
	EvidenceHash         string           `json:"evidence_hash,omitempty"`
	TextExtractionFailed bool             `json:"text_extraction_failed,omitempty"`
	Trace                []TraceStep      `json:"trace"`
	PolicySnapshotHash   string           `json:"policy_snapshot_hash"`
	EvaluatedAtUTC       string           `json:"evaluated_at_utc"`
}
