package record

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWhitespace(t *testing.T) {
	cases := map[string]string{
		"hello world":           "hello world",
		"  hello   world  ":     "hello world",
		"hello\n\tworld":        "hello world",
		"\u00a0hello\u00a0":     "hello",
		"":                      "",
		"   \t\n  ":             "",
		"one two\r\nthree four": "one two three four",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeWhitespace(in), "input %q", in)
	}
}

func TestContentHashIgnoresWhitespace(t *testing.T) {
	a := ContentHash("the quick   brown fox")
	b := ContentHash("  the\nquick brown\t\tfox ")
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c := ContentHash("the quick brown foxes")
	assert.NotEqual(t, a, c)
}

func TestStampOverwritesHash(t *testing.T) {
	rec := &Canonical{Text: "some text"}
	rec.Hash.ContentSHA256 = "bogus"
	rec.Stamp()
	assert.Equal(t, ContentHash("some text"), rec.Hash.ContentSHA256)
}

func TestContentHashWhitespaceInvariantProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("padding never changes the hash", prop.ForAll(
		func(words []string) bool {
			base := ""
			padded := "\t"
			for _, w := range words {
				base += w + " "
				padded += w + "  \n "
			}
			return ContentHash(base) == ContentHash(padded)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
