package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMap() *LicenseMap {
	m := &LicenseMap{}
	m.SPDX.Allow = []string{"MIT", "Apache-2.0", "CC-BY-4.0"}
	m.SPDX.Conditional = []string{"CC-BY-SA-4.0"}
	m.SPDX.DenyPrefixes = []string{"CC-BY-NC", "proprietary"}
	m.Normalization.Rules = []NormRule{
		{MatchAny: []string{"MIT License"}, SPDX: "MIT", Confidence: 0.9},
		{MatchAny: []string{"Apache License, Version 2.0", "Apache-2.0"}, SPDX: "Apache-2.0", Confidence: 0.95},
		{MatchAny: []string{"Creative Commons Attribution 4.0"}, SPDX: "CC-BY-4.0", Confidence: 0.85},
		{MatchAny: []string{"Creative Commons Attribution-NonCommercial"}, SPDX: "CC-BY-NC-4.0", Confidence: 0.85},
	}
	m.RestrictionScan.Phrases = []string{"research purposes only"}
	if err := m.validate(); err != nil {
		panic(err)
	}
	return m
}

func TestNormalizeSPDXLongestMatchWins(t *testing.T) {
	m := testMap()

	// both the NC rule and the plain CC-BY rule match; the longer phrase wins
	text := "Licensed under the Creative Commons Attribution-NonCommercial terms."
	spdx, conf, snippet := m.NormalizeSPDX(text, 1.0)
	assert.Equal(t, "CC-BY-NC-4.0", spdx)
	assert.InDelta(t, 0.85, conf, 1e-9)
	assert.Contains(t, snippet, "NonCommercial")
}

func TestNormalizeSPDXConfidenceIsMinOfRuleAndQuality(t *testing.T) {
	m := testMap()

	_, conf, _ := m.NormalizeSPDX("This is the MIT License.", 0.5)
	assert.InDelta(t, 0.5, conf, 1e-9)

	_, conf, _ = m.NormalizeSPDX("This is the MIT License.", 1.0)
	assert.InDelta(t, 0.9, conf, 1e-9)
}

func TestNormalizeSPDXCaseInsensitive(t *testing.T) {
	m := testMap()
	spdx, _, _ := m.NormalizeSPDX("released under the mit license", 1.0)
	assert.Equal(t, "MIT", spdx)
}

func TestNormalizeSPDXUnknown(t *testing.T) {
	m := testMap()
	spdx, conf, snippet := m.NormalizeSPDX("all rights reserved", 1.0)
	assert.Empty(t, spdx)
	assert.Zero(t, conf)
	assert.Empty(t, snippet)
}

func TestScanRestrictionsIncludesBuiltins(t *testing.T) {
	m := testMap()

	hits := m.ScanRestrictions("Use permitted, but no TDM and for research purposes only. NoAI.")
	assert.Equal(t, []string{"noai", "no tdm", "research purposes only"}, hits)

	assert.Empty(t, m.ScanRestrictions("fully permissive text"))
}

func TestScanRestrictionsDeduplicates(t *testing.T) {
	m := testMap()
	m.RestrictionScan.Phrases = append(m.RestrictionScan.Phrases, "No AI", "no ai")

	hits := m.ScanRestrictions("no ai no ai no ai")
	assert.Equal(t, []string{"no ai"}, hits)
}

func TestSPDXSets(t *testing.T) {
	m := testMap()

	assert.True(t, m.AllowSPDX("mit"))
	assert.False(t, m.AllowSPDX("GPL-3.0-only"))
	assert.True(t, m.ConditionalSPDX("CC-BY-SA-4.0"))
	assert.True(t, m.DeniedSPDX("CC-BY-NC-4.0"))
	assert.True(t, m.DeniedSPDX("cc-by-nc-nd-3.0"))
	assert.False(t, m.DeniedSPDX("CC-BY-4.0"))
}

func TestValidateDefaultsGating(t *testing.T) {
	m := &LicenseMap{}
	require.NoError(t, m.validate())
	assert.Equal(t, BucketYellow, m.Gating.UnknownSPDXBucket)
	assert.Equal(t, BucketRed, m.Gating.DenySPDXBucket)
	assert.InDelta(t, 0.75, m.Gating.MinConfidence, 1e-9)
}

func TestValidateRejectsIncompleteRules(t *testing.T) {
	m := &LicenseMap{}
	m.Normalization.Rules = []NormRule{{SPDX: "MIT"}}
	assert.Error(t, m.validate())

	m = &LicenseMap{}
	m.Normalization.Rules = []NormRule{{MatchAny: []string{"x"}, SPDX: "MIT", Confidence: 1.5}}
	assert.Error(t, m.validate())
}

func TestProfileDefaultBucket(t *testing.T) {
	m := testMap()
	m.Profiles = map[string]ProfilePolicy{
		"permissive": {DefaultBucket: BucketGreen},
	}
	assert.Equal(t, BucketGreen, m.ProfileDefaultBucket(ProfilePermissive))
	assert.Equal(t, BucketYellow, m.ProfileDefaultBucket(ProfileUnknown))
}
