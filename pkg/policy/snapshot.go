package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// Snapshot is the immutable per-run policy composition. Every artifact a run
// produces references Hash(), so a reviewer can tie any decision back to the
// exact policy bytes in force when it was made.
type Snapshot struct {
	LicenseMap LicenseMap
	Denylist   Denylist
	Screening  Screening
	Globals    Globals

	fieldSchemas map[string]*jsonschema.Schema
	hash         string
}

// NewSnapshot flattens the targets config and its companion files into a
// Snapshot. Cross-references are resolved here; nothing is lazy at runtime.
func NewSnapshot(cfg *TargetsConfig) (*Snapshot, error) {
	s := &Snapshot{Screening: cfg.Globals.Screening, Globals: cfg.Globals}

	lmRaw, err := os.ReadFile(cfg.CompanionPath(cfg.CompanionFiles.LicenseMap)) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, faults.Config("policy.load", "license_map_unreadable", err)
	}
	if err := yaml.Unmarshal(lmRaw, &s.LicenseMap); err != nil {
		return nil, faults.Config("policy.load", "license_map_invalid", err)
	}
	if err := s.LicenseMap.validate(); err != nil {
		return nil, err
	}

	dlRaw, err := os.ReadFile(cfg.CompanionPath(cfg.CompanionFiles.Denylist)) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, faults.Config("policy.load", "denylist_unreadable", err)
	}
	if err := yaml.Unmarshal(dlRaw, &s.Denylist); err != nil {
		return nil, faults.Config("policy.load", "denylist_invalid", err)
	}
	if err := s.Denylist.compile(); err != nil {
		return nil, err
	}

	fsRaw, err := os.ReadFile(cfg.CompanionPath(cfg.CompanionFiles.FieldSchemas)) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, faults.Config("policy.load", "field_schemas_unreadable", err)
	}
	if err := s.compileFieldSchemas(fsRaw); err != nil {
		return nil, err
	}

	if err := s.computeHash(cfg.SchemaVersion, lmRaw, dlRaw, fsRaw); err != nil {
		return nil, err
	}
	return s, nil
}

// compileFieldSchemas compiles each named JSON Schema once at load.
func (s *Snapshot) compileFieldSchemas(raw []byte) error {
	var named map[string]any
	if err := yaml.Unmarshal(raw, &named); err != nil {
		return faults.Config("policy.load", "field_schemas_invalid", err)
	}
	s.fieldSchemas = make(map[string]*jsonschema.Schema, len(named))
	for name, schema := range named {
		data, err := json.Marshal(schema)
		if err != nil {
			return faults.Config("policy.load", "field_schema_marshal_failed", fmt.Errorf("%s: %w", name, err))
		}
		compiler := jsonschema.NewCompiler()
		url := "corpusvet://" + name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return faults.Config("policy.load", "field_schema_invalid", fmt.Errorf("%s: %w", name, err))
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return faults.Config("policy.load", "field_schema_compile_failed", fmt.Errorf("%s: %w", name, err))
		}
		s.fieldSchemas[name] = compiled
	}
	return nil
}

// ValidateDoc validates doc against the named field schema. Unknown schema
// names validate nothing and return nil.
func (s *Snapshot) ValidateDoc(name string, doc any) error {
	schema, ok := s.fieldSchemas[name]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	return nil
}

// computeHash canonicalizes the policy composition with RFC 8785 JCS and
// hashes it. Companion files contribute their parsed form, not raw bytes, so
// formatting-only edits do not change the hash.
func (s *Snapshot) computeHash(schemaVersion string, lmRaw, dlRaw, fsRaw []byte) error {
	content := map[string]any{
		"schema_version": schemaVersion,
		"license_map":    yamlToAny(lmRaw),
		"denylist":       yamlToAny(dlRaw),
		"field_schemas":  yamlToAny(fsRaw),
		"screening":      jsonRound(s.Screening),
		"gating": map[string]any{
			"require_yellow_signoff": s.Globals.RequireYellowSignoff,
			"evidence_change_policy": s.Globals.EvidenceChangePolicy,
		},
	}
	data, err := json.Marshal(content)
	if err != nil {
		return faults.Config("policy.load", "snapshot_marshal_failed", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return faults.Config("policy.load", "snapshot_canonicalize_failed", err)
	}
	sum := sha256.Sum256(canonical)
	s.hash = hex.EncodeToString(sum[:])
	return nil
}

// Hash returns the policy snapshot content hash.
func (s *Snapshot) Hash() string { return s.hash }

// ChangePolicy returns the evidence change policy, "either" or "normalized".
func (s *Snapshot) ChangePolicy() string { return s.Globals.EvidenceChangePolicy }

// PoolFor computes the license pool for a target and its bucket: an explicit
// output.pool wins; copyleft profile segregates to copyleft; GREEN defaults
// to permissive; everything else quarantines.
func (s *Snapshot) PoolFor(t *Target, bucket Bucket) Pool {
	if t.Output.Pool != "" {
		return t.Output.Pool
	}
	if t.LicenseProfile == ProfileCopyleft {
		return PoolCopyleft
	}
	if bucket == BucketGreen {
		return PoolPermissive
	}
	return PoolQuarantine
}

// yamlToAny parses YAML into generic structures with string keys, suitable
// for JSON canonicalization.
func yamlToAny(raw []byte) any {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return v
}

func jsonRound(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
