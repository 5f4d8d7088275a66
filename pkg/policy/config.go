package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/record"
)

// SchemaVersion is the only targets-config schema this build accepts.
const SchemaVersion = "corpusvet/v1"

// TargetsConfig is the top-level declarative inventory.
type TargetsConfig struct {
	SchemaVersion  string `yaml:"schema_version"`
	CompanionFiles struct {
		LicenseMap   string `yaml:"license_map"`
		Denylist     string `yaml:"denylist"`
		FieldSchemas string `yaml:"field_schemas"`
	} `yaml:"companion_files"`
	Globals Globals  `yaml:"globals"`
	Targets []Target `yaml:"targets"`

	// dir the config file was loaded from; companion paths resolve
	// relative to it.
	baseDir string
}

// Globals holds run-wide roots and screening settings.
type Globals struct {
	RawRoot            string `yaml:"raw_root"`
	ScreenedYellowRoot string `yaml:"screened_yellow_root"`
	CombinedRoot       string `yaml:"combined_root"`
	QueuesRoot         string `yaml:"queues_root"`
	ManifestsRoot      string `yaml:"manifests_root"`
	LedgerRoot         string `yaml:"ledger_root"`
	PitchesRoot        string `yaml:"pitches_root"`
	CatalogsRoot       string `yaml:"catalogs_root"`
	LogsRoot           string `yaml:"logs_root"`
	EvidenceRoot       string `yaml:"evidence_root"`
	SignoffsRoot       string `yaml:"signoffs_root"`
	CheckpointsRoot    string `yaml:"checkpoints_root"`

	Sharding struct {
		MaxRecordsPerShard int    `yaml:"max_records_per_shard"`
		Compression        string `yaml:"compression"`
	} `yaml:"sharding"`

	Screening Screening `yaml:"screening"`

	RequireYellowSignoff bool   `yaml:"require_yellow_signoff"`
	EvidenceChangePolicy string `yaml:"evidence_change_policy"` // either | normalized
	MaxBytesPerTarget    int64  `yaml:"max_bytes_per_target"`

	RateLimit struct {
		Capacity      int     `yaml:"capacity"`
		RefillPerSec  float64 `yaml:"refill_rate"`
		InitialTokens int     `yaml:"initial_tokens"`
	} `yaml:"rate_limit"`

	Merge struct {
		MaxIndexEntriesInMemory int `yaml:"max_index_entries_in_memory"`
	} `yaml:"merge"`
}

// Screening holds the YELLOW screen thresholds.
type Screening struct {
	MinChars                     int      `yaml:"min_chars"`
	MaxChars                     int      `yaml:"max_chars"`
	TextFieldCandidates          []string `yaml:"text_field_candidates"`
	RecordLicenseFieldCandidates []string `yaml:"record_license_field_candidates"`
	RequireRecordLicense         bool     `yaml:"require_record_license"`
	AllowSPDX                    []string `yaml:"allow_spdx"`
	DenyPhrases                  []string `yaml:"deny_phrases"`
	PitchSampleCap               int      `yaml:"pitch_sample_cap"`
}

// Target declares one candidate data source.
type Target struct {
	ID              string  `yaml:"id"`
	Enabled         bool    `yaml:"enabled"`
	Publisher       string  `yaml:"publisher"`
	LicenseProfile  Profile `yaml:"license_profile"`
	LicenseEvidence struct {
		SPDXHint string `yaml:"spdx_hint"`
		URL      string `yaml:"url"`
	} `yaml:"license_evidence"`
	Download Download       `yaml:"download"`
	Routing  record.Routing `yaml:"routing"`
	Output   struct {
		Pool Pool `yaml:"pool"`
	} `yaml:"output"`
	YellowScreen struct {
		AllowWithoutSignoff bool     `yaml:"allow_without_signoff"`
		AllowSPDX           []string `yaml:"allow_spdx"`
	} `yaml:"yellow_screen"`
}

// Download is the structured acquisition block. Strategy-specific parameters
// beyond the common keys land in Params.
type Download struct {
	Strategy  string            `yaml:"strategy" json:"strategy"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	URLs      []string          `yaml:"urls,omitempty" json:"urls,omitempty"`
	Checksums map[string]string `yaml:"checksums,omitempty" json:"checksums,omitempty"` // url → hex digest
	Params    map[string]any    `yaml:",inline" json:"params,omitempty"`
}

// AllURLs returns the declared URLs of the download block, singular first.
func (d *Download) AllURLs() []string {
	var out []string
	if d.URL != "" {
		out = append(out, d.URL)
	}
	out = append(out, d.URLs...)
	return out
}

// LoadTargetsConfig reads and structurally validates the targets file.
func LoadTargetsConfig(path string) (*TargetsConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, faults.Config("config.load", "targets_file_unreadable", err)
	}
	var cfg TargetsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, faults.Config("config.load", "targets_yaml_invalid", err)
	}
	cfg.baseDir = filepath.Dir(path)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *TargetsConfig) validate() error {
	if c.SchemaVersion != SchemaVersion {
		return faults.Config("config.load", "schema_version_mismatch",
			fmt.Errorf("got %q, want %q", c.SchemaVersion, SchemaVersion))
	}
	if c.CompanionFiles.LicenseMap == "" || c.CompanionFiles.Denylist == "" || c.CompanionFiles.FieldSchemas == "" {
		return faults.Config("config.load", "companion_files_incomplete", nil)
	}
	g := &c.Globals
	roots := map[string]string{
		"raw_root": g.RawRoot, "screened_yellow_root": g.ScreenedYellowRoot,
		"combined_root": g.CombinedRoot, "queues_root": g.QueuesRoot,
		"manifests_root": g.ManifestsRoot, "ledger_root": g.LedgerRoot,
		"pitches_root": g.PitchesRoot, "catalogs_root": g.CatalogsRoot,
		"logs_root": g.LogsRoot,
	}
	for name, v := range roots {
		if v == "" {
			return faults.Config("config.load", "root_missing", fmt.Errorf("globals.%s", name))
		}
	}
	if g.Sharding.MaxRecordsPerShard <= 0 {
		return faults.Config("config.load", "sharding_max_records_invalid", nil)
	}
	if g.Screening.MinChars <= 0 || g.Screening.MaxChars < g.Screening.MinChars {
		return faults.Config("config.load", "screening_char_bounds_invalid",
			fmt.Errorf("min_chars=%d max_chars=%d", g.Screening.MinChars, g.Screening.MaxChars))
	}
	if len(g.Screening.TextFieldCandidates) == 0 {
		return faults.Config("config.load", "text_field_candidates_missing", nil)
	}
	applyGlobalDefaults(g)

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.ID == "" {
			return faults.Config("config.load", "target_id_missing", fmt.Errorf("targets[%d]", i))
		}
		if seen[t.ID] {
			return faults.Config("config.load", "target_id_duplicate", fmt.Errorf("%s", t.ID))
		}
		seen[t.ID] = true
		if t.LicenseProfile == "" {
			t.LicenseProfile = ProfileUnknown
		}
	}
	return nil
}

func applyGlobalDefaults(g *Globals) {
	if g.EvidenceRoot == "" {
		g.EvidenceRoot = filepath.Join(g.ManifestsRoot, "evidence")
	}
	if g.SignoffsRoot == "" {
		g.SignoffsRoot = filepath.Join(g.ManifestsRoot, "signoffs")
	}
	if g.CheckpointsRoot == "" {
		g.CheckpointsRoot = filepath.Join(g.ManifestsRoot, "checkpoints")
	}
	if g.EvidenceChangePolicy == "" {
		g.EvidenceChangePolicy = "either"
	}
	if g.MaxBytesPerTarget <= 0 {
		g.MaxBytesPerTarget = 10 << 30 // 10 GiB
	}
	if g.RateLimit.Capacity == 0 && g.RateLimit.RefillPerSec == 0 {
		// host politeness defaults: 1 rps, burst 2
		g.RateLimit.Capacity = 2
		g.RateLimit.RefillPerSec = 1
		g.RateLimit.InitialTokens = 2
	}
	if g.Screening.PitchSampleCap == 0 {
		g.Screening.PitchSampleCap = 25
	}
	if g.Merge.MaxIndexEntriesInMemory <= 0 {
		g.Merge.MaxIndexEntriesInMemory = 1 << 20
	}
}

// CompanionPath resolves a companion file reference relative to the config.
func (c *TargetsConfig) CompanionPath(ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(c.baseDir, ref)
}

// EnabledTargets returns the enabled subset in declaration order.
func (c *TargetsConfig) EnabledTargets() []Target {
	var out []Target
	for _, t := range c.Targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// TargetByID looks up a target by id.
func (c *TargetsConfig) TargetByID(id string) (*Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// OverrideRoots rebases every root under newRoot, preserving the leaf
// directory names. Used for the DATASET_ROOT environment override.
func (c *TargetsConfig) OverrideRoots(newRoot string) {
	g := &c.Globals
	rebase := func(p *string) {
		if *p != "" {
			*p = filepath.Join(newRoot, filepath.Base(*p))
		}
	}
	for _, p := range []*string{
		&g.RawRoot, &g.ScreenedYellowRoot, &g.CombinedRoot, &g.QueuesRoot,
		&g.ManifestsRoot, &g.LedgerRoot, &g.PitchesRoot, &g.CatalogsRoot,
		&g.LogsRoot, &g.EvidenceRoot, &g.SignoffsRoot, &g.CheckpointsRoot,
	} {
		rebase(p)
	}
}
