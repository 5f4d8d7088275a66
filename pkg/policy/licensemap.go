package policy

import (
	"fmt"
	"strings"

	"github.com/corpusvet/corpusvet/pkg/faults"
)

// LicenseMap is the declared SPDX rulebook. The system never interprets
// license text beyond this rulebook: normalization is longest-match over
// declared phrases, each carrying a confidence weight.
type LicenseMap struct {
	SPDX struct {
		Allow        []string `yaml:"allow" json:"allow"`
		Conditional  []string `yaml:"conditional" json:"conditional"`
		DenyPrefixes []string `yaml:"deny_prefixes" json:"deny_prefixes"`
	} `yaml:"spdx" json:"spdx"`
	Normalization struct {
		Rules []NormRule `yaml:"rules" json:"rules"`
	} `yaml:"normalization" json:"normalization"`
	RestrictionScan struct {
		Phrases []string `yaml:"phrases" json:"phrases"`
	} `yaml:"restriction_scan" json:"restriction_scan"`
	Gating struct {
		UnknownSPDXBucket       Bucket  `yaml:"unknown_spdx_bucket" json:"unknown_spdx_bucket"`
		ConditionalSPDXBucket   Bucket  `yaml:"conditional_spdx_bucket" json:"conditional_spdx_bucket"`
		DenySPDXBucket          Bucket  `yaml:"deny_spdx_bucket" json:"deny_spdx_bucket"`
		RestrictionPhraseBucket Bucket  `yaml:"restriction_phrase_bucket" json:"restriction_phrase_bucket"`
		MinConfidence           float64 `yaml:"min_confidence" json:"min_confidence"`
	} `yaml:"gating" json:"gating"`
	Profiles map[string]ProfilePolicy `yaml:"profiles" json:"profiles"`
}

// NormRule maps evidence phrases to an SPDX identifier.
type NormRule struct {
	MatchAny   []string `yaml:"match_any" json:"match_any"`
	SPDX       string   `yaml:"spdx" json:"spdx"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
}

// ProfilePolicy declares the default bucket for a license profile.
type ProfilePolicy struct {
	DefaultBucket Bucket `yaml:"default_bucket" json:"default_bucket"`
}

// builtin restriction phrases are always scanned, in addition to the
// configured list.
var builtinRestrictionPhrases = []string{"no ai", "noai", "no tdm", "no machine learning"}

func (m *LicenseMap) validate() error {
	for i, r := range m.Normalization.Rules {
		if r.SPDX == "" || len(r.MatchAny) == 0 {
			return faults.Config("licensemap.load", "normalization_rule_incomplete",
				fmt.Errorf("rule %d", i))
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return faults.Config("licensemap.load", "confidence_out_of_range",
				fmt.Errorf("rule %d has confidence %g", i, r.Confidence))
		}
	}
	if m.Gating.UnknownSPDXBucket == "" {
		m.Gating.UnknownSPDXBucket = BucketYellow
	}
	if m.Gating.ConditionalSPDXBucket == "" {
		m.Gating.ConditionalSPDXBucket = BucketYellow
	}
	if m.Gating.DenySPDXBucket == "" {
		m.Gating.DenySPDXBucket = BucketRed
	}
	if m.Gating.RestrictionPhraseBucket == "" {
		m.Gating.RestrictionPhraseBucket = BucketYellow
	}
	if m.Gating.MinConfidence == 0 {
		m.Gating.MinConfidence = 0.75
	}
	return nil
}

// NormalizeSPDX resolves evidence text to an SPDX identifier by longest
// match over the rulebook. The returned confidence is min(rule weight,
// evidenceQuality). Unknown text yields ("", 0, "").
func (m *LicenseMap) NormalizeSPDX(text string, evidenceQuality float64) (spdx string, confidence float64, snippet string) {
	lower := strings.ToLower(text)
	bestLen := 0
	for _, rule := range m.Normalization.Rules {
		for _, phrase := range rule.MatchAny {
			p := strings.ToLower(phrase)
			if p == "" {
				continue
			}
			if idx := strings.Index(lower, p); idx >= 0 && len(p) > bestLen {
				bestLen = len(p)
				spdx = rule.SPDX
				confidence = rule.Confidence
				snippet = extractSnippet(text, idx, len(p))
			}
		}
	}
	if spdx == "" {
		return "", 0, ""
	}
	if evidenceQuality < confidence {
		confidence = evidenceQuality
	}
	return spdx, confidence, snippet
}

// extractSnippet returns the matched phrase with a little surrounding
// context for the evaluation manifest.
func extractSnippet(text string, idx, matchLen int) string {
	const pad = 40
	start := idx - pad
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + pad
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// ScanRestrictions returns the restriction phrases found in text, builtin
// phrases first, then the configured list, each reported at most once.
func (m *LicenseMap) ScanRestrictions(text string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var hits []string
	for _, p := range append(append([]string{}, builtinRestrictionPhrases...), m.RestrictionScan.Phrases...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		if strings.Contains(lower, p) {
			hits = append(hits, p)
			seen[p] = true
		}
	}
	return hits
}

// AllowSPDX reports whether spdx is in the allow set.
func (m *LicenseMap) AllowSPDX(spdx string) bool { return containsFold(m.SPDX.Allow, spdx) }

// ConditionalSPDX reports whether spdx is in the conditional set.
func (m *LicenseMap) ConditionalSPDX(spdx string) bool { return containsFold(m.SPDX.Conditional, spdx) }

// DeniedSPDX reports whether spdx matches a deny prefix.
func (m *LicenseMap) DeniedSPDX(spdx string) bool {
	for _, p := range m.SPDX.DenyPrefixes {
		if p != "" && strings.HasPrefix(strings.ToLower(spdx), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ProfileDefaultBucket returns the declared default bucket for a profile,
// YELLOW when the profile is undeclared.
func (m *LicenseMap) ProfileDefaultBucket(p Profile) Bucket {
	if pp, ok := m.Profiles[string(p)]; ok && pp.DefaultBucket.Valid() {
		return pp.DefaultBucket
	}
	return BucketYellow
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
