package screen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/record"
)

func testCanonicalizer() *canonicalizer {
	return &canonicalizer{
		rules: policy.Screening{
			MinChars:                     10,
			MaxChars:                     100,
			TextFieldCandidates:          []string{"text", "content", "body"},
			RecordLicenseFieldCandidates: []string{"license"},
			RequireRecordLicense:         true,
			DenyPhrases:                  []string{"internal use only"},
		},
		allowSPDX: []string{"CC-BY-4.0", "MIT"},
		row: &classify.QueueRow{
			TargetID:       "yt-1",
			LicenseProfile: policy.ProfileRecordLevel,
			Routing:        record.Routing{Subject: "article", Domain: "news"},
		},
	}
}

func TestCanonicalizePasses(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"record_id":"r-1","text":"a perfectly fine body of text","license":"CC-BY-4.0","extra":"kept"}`))

	require.Empty(t, dec.Reason)
	require.NotNil(t, dec.Record)
	rec := dec.Record
	assert.Equal(t, "r-1", rec.RecordID)
	assert.Equal(t, "a perfectly fine body of text", rec.Text)
	assert.Equal(t, "CC-BY-4.0", rec.License.SPDX)
	assert.Equal(t, "record_level", rec.License.Profile)
	assert.Equal(t, "yt-1", rec.Source.TargetID)
	assert.Equal(t, "article", rec.Routing.Subject)
	assert.NotEmpty(t, rec.Hash.ContentSHA256)
	assert.Contains(t, string(rec.Meta), "kept")
	assert.NotContains(t, string(rec.Meta), "perfectly fine")
}

func TestCanonicalizePitchReasons(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		reason string
	}{
		{"not json", `not json at all`, ReasonRecordNotObject},
		{"json array", `[1,2,3]`, ReasonRecordNotObject},
		{"no text field", `{"title":"only a title","license":"MIT"}`, ReasonTextMissing},
		{"blank text", `{"text":"   ","license":"MIT"}`, ReasonTextMissing},
		{"too short", `{"text":"nine ch.","license":"MIT"}`, ReasonTextTooShort},
		{"too long", `{"text":"` + strings.Repeat("x", 101) + `","license":"MIT"}`, ReasonTextTooLong},
		{"license missing", `{"text":"long enough text here"}`, ReasonRecordLicenseMissing},
		{"license denied", `{"text":"long enough text here","license":"GPL-3.0-only"}`, ReasonRecordLicenseDenied},
		{"deny phrase", `{"text":"long enough, Internal Use Only","license":"MIT"}`, ReasonDenyPhrase},
	}
	c := testCanonicalizer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := c.Canonicalize([]byte(tc.line))
			assert.Nil(t, dec.Record)
			assert.Equal(t, tc.reason, dec.Reason)
		})
	}
}

func TestCanonicalizeMinCharsBoundaryCountsRunes(t *testing.T) {
	c := testCanonicalizer()

	// exactly MinChars runes passes
	dec := c.Canonicalize([]byte(`{"text":"0123456789","license":"MIT"}`))
	assert.Empty(t, dec.Reason)

	// ten multibyte runes still pass; byte length is irrelevant
	dec = c.Canonicalize([]byte(`{"text":"éééééééééé","license":"MIT"}`))
	assert.Empty(t, dec.Reason)

	dec = c.Canonicalize([]byte(`{"text":"012345678","license":"MIT"}`))
	assert.Equal(t, ReasonTextTooShort, dec.Reason)
}

func TestCanonicalizeFieldCandidateOrder(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"content":"from the second candidate","body":"from the third","license":"MIT"}`))
	require.NotNil(t, dec.Record)
	assert.Equal(t, "from the second candidate", dec.Record.Text)
}

func TestCanonicalizeDenyPhraseInSecondaryField(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"text":"clean primary text","body":"internal use only","license":"MIT"}`))
	assert.Equal(t, ReasonDenyPhrase, dec.Reason)
}

func TestCanonicalizeLicenseNotRequired(t *testing.T) {
	c := testCanonicalizer()
	c.rules.RequireRecordLicense = false
	dec := c.Canonicalize([]byte(`{"text":"long enough text here"}`))
	require.NotNil(t, dec.Record)
	assert.Empty(t, dec.Record.License.SPDX)
}

func TestCanonicalizeSchemaValidation(t *testing.T) {
	c := testCanonicalizer()
	called := false
	c.validate = func(doc any) error {
		called = true
		return assert.AnError
	}
	dec := c.Canonicalize([]byte(`{"text":"long enough text here","license":"MIT"}`))
	assert.True(t, called)
	assert.Equal(t, ReasonSchemaInvalid, dec.Reason)
}

func TestCanonicalizeDomainScreener(t *testing.T) {
	c := testCanonicalizer()
	c.domain = func(doc map[string]any, text string) string {
		if strings.Contains(text, "off topic") {
			return "off_topic"
		}
		return ""
	}

	dec := c.Canonicalize([]byte(`{"text":"this one is off topic","license":"MIT"}`))
	assert.Equal(t, ReasonDomainRejected+":off_topic", dec.Reason)

	dec = c.Canonicalize([]byte(`{"text":"this one is on topic","license":"MIT"}`))
	assert.Empty(t, dec.Reason)
}

func TestCanonicalizeMintsRecordID(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"text":"long enough text here","license":"MIT"}`))
	require.NotNil(t, dec.Record)
	assert.NotEmpty(t, dec.Record.RecordID)
}

func TestCanonicalizeRoutingOverride(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"text":"long enough text here","license":"MIT","routing":{"domain":"sports"}}`))
	require.NotNil(t, dec.Record)
	// record-level routing wins field by field, queue row fills the rest
	assert.Equal(t, "sports", dec.Record.Routing.Domain)
	assert.Equal(t, "article", dec.Record.Routing.Subject)
}

func TestCanonicalizeSourceTimestamp(t *testing.T) {
	c := testCanonicalizer()
	dec := c.Canonicalize([]byte(`{"text":"long enough text here","license":"MIT","source":{"retrieved_at_utc":"2026-01-02T03:04:05Z"}}`))
	require.NotNil(t, dec.Record)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), dec.Record.Source.RetrievedAtUTC)
}

func TestDomainRegistry(t *testing.T) {
	RegisterDomain("legal-test", func(doc map[string]any, text string) string { return "" })
	assert.NotNil(t, DomainFor("legal-test"))
	assert.Nil(t, DomainFor("unregistered-subject"))
}
