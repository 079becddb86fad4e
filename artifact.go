package conductor

import "time"

// Artifact is a named output produced by a step. Artifacts are immutable
// once created; a step re-execution that produces the same name replaces
// the whole record (the orchestrator logs the overwrite, it never merges).
type Artifact struct {
	Name      string    `json:"name"`
	StepID    string    `json:"step_id"`
	Ref       string    `json:"ref"`
	CreatedAt time.Time `json:"created_at"`
}

// Copy returns a copy of the artifact.
func (a *Artifact) Copy() *Artifact {
	dup := *a
	return &dup
}

// SeedStepID marks artifacts injected at Start rather than produced by a
// step.
const SeedStepID = "_seed"

func copyArtifacts(m map[string]*Artifact) map[string]*Artifact {
	out := make(map[string]*Artifact, len(m))
	for k, v := range m {
		out[k] = v.Copy()
	}
	return out
}
