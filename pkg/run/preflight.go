package run

import (
	"fmt"
	"os/exec"

	"github.com/hashicorp/go-multierror"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/policy"
)

// Preflight is the hard gate in front of every stage: strategy registry
// completeness, external-tool availability, and writable roots. All problems
// are collected before failing so one invocation reports everything.
func (r *Context) Preflight() error {
	var errs *multierror.Error

	var inUse []string
	for _, t := range r.Config.EnabledTargets() {
		if t.LicenseProfile == policy.ProfileQuarantine {
			continue
		}
		if !r.Registry.Known(t.Download.Strategy) {
			errs = multierror.Append(errs, fmt.Errorf(
				"target %s: unknown strategy %q", t.ID, t.Download.Strategy))
			continue
		}
		inUse = append(inUse, t.Download.Strategy)
	}

	for _, tool := range r.Registry.RequiredTools(inUse) {
		if _, err := exec.LookPath(tool); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("required tool %q not on PATH", tool))
		}
	}

	g := r.Config.Globals
	for name, dir := range map[string]string{
		"raw_root":             g.RawRoot,
		"screened_yellow_root": g.ScreenedYellowRoot,
		"combined_root":        g.CombinedRoot,
		"queues_root":          g.QueuesRoot,
		"manifests_root":       g.ManifestsRoot,
		"ledger_root":          g.LedgerRoot,
		"pitches_root":         g.PitchesRoot,
		"catalogs_root":        g.CatalogsRoot,
		"evidence_root":        g.EvidenceRoot,
		"checkpoints_root":     g.CheckpointsRoot,
	} {
		if err := writable(dir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s %s not writable: %w", name, dir, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return faults.Preflight("run.preflight", "preflight_failed", err)
	}
	return nil
}
