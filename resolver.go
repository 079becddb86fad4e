package conductor

import "sort"

// NextReady computes the next runnable step: the first step in definition
// order that is neither completed nor skipped and whose required artifacts
// all exist. The tie-break is deterministic: the engine is sequential, not
// a parallel scheduler.
//
// When no step is ready and pending steps remain, NextReady returns a nil
// step together with the names of the artifacts blocking progress, so the
// caller can report exactly what is missing instead of an opaque failure.
// An empty missing slice with a nil step means every step is accounted for.
func NextReady(def *Definition, state *RunState) (*Step, []string) {
	var pending []*Step
	for _, step := range def.Steps {
		if state.Completed(step.ID) || state.Skipped(step.ID) {
			continue
		}
		pending = append(pending, step)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	for _, step := range pending {
		if len(unmetRequires(step, state)) == 0 {
			return step, nil
		}
	}

	return nil, missingArtifacts(pending, state)
}

// unmetRequires returns the required artifact names the state does not yet
// hold, in declaration order.
func unmetRequires(step *Step, state *RunState) []string {
	var unmet []string
	for _, name := range step.Requires {
		if !state.HasArtifact(name) {
			unmet = append(unmet, name)
		}
	}
	return unmet
}

// missingArtifacts reports the root-cause artifact names: unmet requirements
// that no pending step will ever create. If every unmet name has a pending
// producer (which an acyclic definition should make impossible when nothing
// is ready), all unmet names are reported instead.
func missingArtifacts(pending []*Step, state *RunState) []string {
	producible := map[string]bool{}
	for _, step := range pending {
		for _, name := range step.Creates {
			producible[name] = true
		}
	}

	unmetAll := map[string]bool{}
	rootCause := map[string]bool{}
	for _, step := range pending {
		for _, name := range unmetRequires(step, state) {
			unmetAll[name] = true
			if !producible[name] {
				rootCause[name] = true
			}
		}
	}

	missing := rootCause
	if len(missing) == 0 {
		missing = unmetAll
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
