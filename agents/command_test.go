package agents

import (
	"context"
	"os"
	"testing"

	"github.com/agentmill/conductor"
	"github.com/stretchr/testify/require"
)

func TestCommandAgent(t *testing.T) {
	agent := NewCommandAgent(CommandAgentOptions{WorkDir: t.TempDir()})
	require.Equal(t, "command", agent.Name())
	ctx := context.Background()

	t.Run("stdout becomes artifacts", func(t *testing.T) {
		step := &conductor.Step{
			ID:      "build",
			Params:  map[string]any{"command": "echo built"},
			Creates: []string{"binary"},
		}
		result, err := agent.Execute(ctx, step, nil)
		require.NoError(t, err)
		require.Equal(t, conductor.ResultOK, result.Status)

		ref := result.Artifacts["binary"]
		require.NotEmpty(t, ref)
		content, err := os.ReadFile(ref)
		require.NoError(t, err)
		require.Equal(t, "built", string(content))
	})

	t.Run("required artifacts exposed via environment", func(t *testing.T) {
		step := &conductor.Step{
			ID:       "use",
			Params:   map[string]any{"command": "echo $ARTIFACT_INPUT_FILE"},
			Requires: []string{"input-file"},
			Creates:  []string{"out"},
		}
		result, err := agent.Execute(ctx, step, map[string]*conductor.Artifact{
			"input-file": {Name: "input-file", Ref: "/tmp/input.txt"},
		})
		require.NoError(t, err)

		content, err := os.ReadFile(result.Artifacts["out"])
		require.NoError(t, err)
		require.Equal(t, "/tmp/input.txt", string(content))
	})

	t.Run("non-zero exit reports error status", func(t *testing.T) {
		step := &conductor.Step{
			ID:     "doomed",
			Params: map[string]any{"command": "echo oops >&2; exit 3"},
		}
		result, err := agent.Execute(ctx, step, nil)
		require.NoError(t, err)
		require.Equal(t, conductor.ResultError, result.Status)
		require.Contains(t, result.Message, "3")
		require.Contains(t, result.Message, "oops")
	})

	t.Run("missing command parameter", func(t *testing.T) {
		_, err := agent.Execute(ctx, &conductor.Step{ID: "empty"}, nil)
		require.Error(t, err)
	})
}

func TestEnvName(t *testing.T) {
	require.Equal(t, "INPUT_FILE", envName("input-file"))
	require.Equal(t, "REVIEW_REPORT", envName("review.report"))
	require.Equal(t, "PLAN2", envName("plan2"))
}
