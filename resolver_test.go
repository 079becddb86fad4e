package conductor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func resolverDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition(&Definition{
		ID:   "pipeline",
		Name: "Pipeline",
		Steps: []*Step{
			{ID: "plan", Agent: "planner", Creates: []string{"plan"}},
			{ID: "implement", Agent: "coder", Requires: []string{"plan"}, Creates: []string{"diff"}},
			{ID: "review", Agent: "reviewer", Requires: []string{"diff"}, Creates: []string{"report"}},
		},
	})
	require.NoError(t, err)
	return def
}

func TestNextReady(t *testing.T) {
	t.Run("definition order drives selection", func(t *testing.T) {
		def := resolverDefinition(t)
		state := NewRunState(NewRunID(), def.ID)

		step, missing := NextReady(def, state)
		require.Nil(t, missing)
		require.Equal(t, "plan", step.ID)

		state.RecordCompletion("plan")
		state.PutArtifact(&Artifact{Name: "plan", StepID: "plan", Ref: "r"})
		step, _ = NextReady(def, state)
		require.Equal(t, "implement", step.ID)
	})

	t.Run("all steps done", func(t *testing.T) {
		def := resolverDefinition(t)
		state := NewRunState(NewRunID(), def.ID)
		for _, id := range def.StepIDs() {
			state.RecordCompletion(id)
		}
		step, missing := NextReady(def, state)
		require.Nil(t, step)
		require.Nil(t, missing)
	})

	t.Run("skipped steps are never offered", func(t *testing.T) {
		def := resolverDefinition(t)
		state := NewRunState(NewRunID(), def.ID)
		state.MarkSkipped("plan")

		// implement still cannot run: nothing created the plan artifact.
		step, missing := NextReady(def, state)
		require.Nil(t, step)
		require.Equal(t, []string{"plan"}, missing)
	})

	t.Run("missing reports root cause only", func(t *testing.T) {
		def, err := NewDefinition(&Definition{
			ID:   "pipeline",
			Name: "Pipeline",
			Steps: []*Step{
				{ID: "a", Agent: "x", Requires: []string{"external"}, Creates: []string{"mid"}},
				{ID: "b", Agent: "x", Requires: []string{"mid"}, Creates: []string{"out"}},
			},
		})
		require.NoError(t, err)
		state := NewRunState(NewRunID(), def.ID)

		// mid is producible by the pending step a, so only the true root
		// cause is reported.
		step, missing := NextReady(def, state)
		require.Nil(t, step)
		require.Equal(t, []string{"external"}, missing)
	})

	t.Run("seed artifact unblocks", func(t *testing.T) {
		def, err := NewDefinition(&Definition{
			ID:   "pipeline",
			Name: "Pipeline",
			Steps: []*Step{
				{ID: "a", Agent: "x", Requires: []string{"external"}},
			},
		})
		require.NoError(t, err)
		state := NewRunState(NewRunID(), def.ID)
		state.PutArtifact(&Artifact{Name: "external", StepID: SeedStepID, Ref: "seed"})

		step, _ := NextReady(def, state)
		require.NotNil(t, step)
		require.Equal(t, "a", step.ID)
	})

	t.Run("reentered step is offered again", func(t *testing.T) {
		def := resolverDefinition(t)
		state := NewRunState(NewRunID(), def.ID)
		state.PutArtifact(&Artifact{Name: "plan", StepID: "plan", Ref: "r"})
		state.PutArtifact(&Artifact{Name: "diff", StepID: "implement", Ref: "r"})
		for _, id := range def.StepIDs() {
			state.RecordCompletion(id)
		}
		state.Reenter("implement")

		step, _ := NextReady(def, state)
		require.NotNil(t, step)
		require.Equal(t, "implement", step.ID)
	})
}
