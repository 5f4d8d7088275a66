package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingCheckpoint(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	st, found, err := store.Load("acquire_green", "t1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, st)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	st := &State{Stage: "acquire_green", TargetID: "t1"}
	require.NoError(t, store.MarkCompleted(st, "file_a.jsonl", "deadbeef"))
	st.Done = true
	require.NoError(t, store.Save(st))

	got, found, err := store.Load("acquire_green", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Done)
	assert.Equal(t, "deadbeef", got.Completed["file_a.jsonl"])
	assert.False(t, got.UpdatedAtUTC.IsZero())
}

func TestWipeRemovesOnlyTheStage(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(&State{Stage: "acquire_green", TargetID: "t1"}))
	require.NoError(t, store.Save(&State{Stage: "acquire_green", TargetID: "t2"}))
	require.NoError(t, store.Save(&State{Stage: "acquire_yellow", TargetID: "t1"}))

	require.NoError(t, store.Wipe("acquire_green"))

	_, found, err := store.Load("acquire_green", "t1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.Load("acquire_green", "t2")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = store.Load("acquire_yellow", "t1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCheckpointIDsAreSanitized(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(&State{Stage: "acquire_green", TargetID: "weird/../id"}))

	_, found, err := store.Load("acquire_green", "weird/../id")
	require.NoError(t, err)
	assert.True(t, found)
}
