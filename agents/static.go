// Package agents provides built-in agent capabilities: canned results for
// dry runs and tests, shell command execution, and template rendering.
package agents

import (
	"context"
	"fmt"

	"github.com/agentmill/conductor"
)

// StaticResult is one canned outcome for a step.
type StaticResult struct {
	Artifacts  map[string]string
	Scoring    map[string]any
	TokensUsed int
	Fail       bool
	Message    string
}

// StaticAgent returns pre-configured results keyed by step id. Steps without
// a configured result succeed with their declared artifacts set to empty
// refs. Useful for dry runs and pipeline wiring tests.
type StaticAgent struct {
	name    string
	results map[string]StaticResult
}

// NewStaticAgent creates a static agent serving the given capability.
func NewStaticAgent(name string, results map[string]StaticResult) *StaticAgent {
	return &StaticAgent{name: name, results: results}
}

func (a *StaticAgent) Name() string {
	return a.name
}

func (a *StaticAgent) Execute(ctx context.Context, step *conductor.Step, artifacts map[string]*conductor.Artifact) (*conductor.StepResult, error) {
	canned, ok := a.results[step.ID]
	if !ok {
		produced := make(map[string]string, len(step.Creates))
		for _, name := range step.Creates {
			produced[name] = fmt.Sprintf("static:%s", name)
		}
		return &conductor.StepResult{Status: conductor.ResultOK, Artifacts: produced}, nil
	}

	result := &conductor.StepResult{
		Status:     conductor.ResultOK,
		Artifacts:  canned.Artifacts,
		Scoring:    canned.Scoring,
		TokensUsed: canned.TokensUsed,
		Message:    canned.Message,
	}
	if canned.Fail {
		result.Status = conductor.ResultError
	}
	return result, nil
}
