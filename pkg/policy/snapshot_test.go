package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadSnapshot(t *testing.T, rewrite func(string) string) *Snapshot {
	t.Helper()
	cfg, err := LoadTargetsConfig(writeFixtureConfig(t, rewrite))
	require.NoError(t, err)
	snap, err := NewSnapshot(cfg)
	require.NoError(t, err)
	return snap
}

func TestSnapshotHashIsStable(t *testing.T) {
	a := loadSnapshot(t, nil)
	b := loadSnapshot(t, nil)
	require.NotEmpty(t, a.Hash())
	assert.Len(t, a.Hash(), 64)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestSnapshotHashIgnoresFormattingOnlyEdits(t *testing.T) {
	a := loadSnapshot(t, nil)
	// reordering YAML keys and adding blank lines parses to the same content
	b := loadSnapshot(t, func(s string) string {
		return strings.Replace(s,
			"  screening:\n    min_chars: 10\n    max_chars: 100000\n",
			"\n  screening:\n    max_chars: 100000\n    min_chars: 10\n", 1)
	})
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestSnapshotHashTracksPolicyChanges(t *testing.T) {
	a := loadSnapshot(t, nil)
	b := loadSnapshot(t, func(s string) string {
		return strings.Replace(s, "min_chars: 10", "min_chars: 20", 1)
	})
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestValidateDoc(t *testing.T) {
	snap := loadSnapshot(t, nil)

	assert.NoError(t, snap.ValidateDoc("article", map[string]any{"text": "body"}))
	assert.Error(t, snap.ValidateDoc("article", map[string]any{"title": "no text"}))
	assert.Error(t, snap.ValidateDoc("article", map[string]any{"text": 42}))

	// unknown schema names validate nothing
	assert.NoError(t, snap.ValidateDoc("unregistered", map[string]any{}))
}

func TestPoolFor(t *testing.T) {
	snap := loadSnapshot(t, nil)

	explicit := &Target{}
	explicit.Output.Pool = PoolCopyleft
	assert.Equal(t, PoolCopyleft, snap.PoolFor(explicit, BucketGreen))

	copyleft := &Target{LicenseProfile: ProfileCopyleft}
	assert.Equal(t, PoolCopyleft, snap.PoolFor(copyleft, BucketGreen))

	permissive := &Target{LicenseProfile: ProfilePermissive}
	assert.Equal(t, PoolPermissive, snap.PoolFor(permissive, BucketGreen))
	assert.Equal(t, PoolQuarantine, snap.PoolFor(permissive, BucketYellow))
}

func TestChangePolicyDefault(t *testing.T) {
	snap := loadSnapshot(t, nil)
	assert.Equal(t, "either", snap.ChangePolicy())
}
