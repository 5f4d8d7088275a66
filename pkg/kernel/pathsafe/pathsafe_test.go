package pathsafe

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()

	ok, err := EnsureUnderRoot(filepath.Join(root, "a", "b.txt"), root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ok, root))

	_, err = EnsureUnderRoot(filepath.Join(root, "..", "escape.txt"), root)
	assert.Error(t, err)

	_, err = EnsureUnderRoot(filepath.Join(root, "a", "..", "..", "escape.txt"), root)
	assert.Error(t, err)

	// the root itself is inside the root
	_, err = EnsureUnderRoot(root, root)
	assert.NoError(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain.txt", "plain.txt"},
		{"a/b/c.txt", "a_b_c.txt"},
		{`a\b.txt`, "a_b.txt"},
		{"..", "_"},
		{" spaced .", "spaced"},
		{"CON", "_CON"},
		{"con.txt", "_con.txt"},
		{"lpt1.dat", "_lpt1.dat"},
		{"", "_"},
		{"bell\x07name", "bellname"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeFilename(c.in), "input %q", c.in)
	}
}

func TestSanitizeFilenameTruncatesPreservingExt(t *testing.T) {
	long := strings.Repeat("x", 300) + ".jsonl"
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), 200)
	assert.True(t, strings.HasSuffix(got, ".jsonl"))
}

func TestSanitizeFilenameNormalizesUnicode(t *testing.T) {
	// fullwidth letters fold to ASCII under NFKC
	assert.Equal(t, "abc.txt", SanitizeFilename("ａｂｃ.txt"))
}
