package conductor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSnapshot() *RunSnapshot {
	return &RunSnapshot{
		RunID:          "run_test",
		DefinitionID:   "code-review",
		Status:         StatusRunning,
		CurrentStep:    "implement",
		CompletedSteps: []string{"plan"},
		Artifacts: map[string]*Artifact{
			"plan": {Name: "plan", StepID: "plan", Ref: "p1", CreatedAt: time.Now().UTC()},
		},
		TokensUsed: 500,
		StartTime:  time.Now().UTC(),
	}
}

func TestNewCheckpoint(t *testing.T) {
	cp, err := NewCheckpoint(testSnapshot(), CheckpointManual)
	require.NoError(t, err)
	require.Contains(t, cp.ID, "ckpt_")
	require.Equal(t, "run_test", cp.RunID)
	require.Equal(t, "code-review", cp.DefinitionID)
	require.Equal(t, StatusRunning, cp.Status)
	require.Equal(t, SchemaVersion, cp.SchemaVersion)
	require.NotEmpty(t, cp.Checksum)
	require.NoError(t, cp.Verify())

	info := cp.Info()
	require.Equal(t, cp.ID, info.ID)
	require.Equal(t, cp.RunID, info.RunID)
	require.Equal(t, CheckpointManual, info.Reason)
}

func TestCheckpointVerify(t *testing.T) {
	t.Run("tampered snapshot", func(t *testing.T) {
		cp, err := NewCheckpoint(testSnapshot(), CheckpointManual)
		require.NoError(t, err)
		cp.Snapshot.TokensUsed = 999999

		err = cp.Verify()
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeStateCorruption))
		require.Contains(t, err.Error(), "checksum")
	})

	t.Run("wrong schema version", func(t *testing.T) {
		cp, err := NewCheckpoint(testSnapshot(), CheckpointManual)
		require.NoError(t, err)
		cp.SchemaVersion = 99

		err = cp.Verify()
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeStateCorruption))
		require.Contains(t, err.Error(), "schema version")
	})

	t.Run("missing snapshot", func(t *testing.T) {
		cp, err := NewCheckpoint(testSnapshot(), CheckpointManual)
		require.NoError(t, err)
		cp.Snapshot = nil

		err = cp.Verify()
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeStateCorruption))
	})
}

func TestCheckpointIDOrdering(t *testing.T) {
	// Latest selection relies on lexicographic ordering of ids.
	a := NewCheckpointID()
	time.Sleep(2 * time.Millisecond)
	b := NewCheckpointID()
	require.Less(t, a, b)
}
