package conductor

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/agentmill/conductor/gate"
)

// DefaultGateRetries bounds on_fail loop-backs when a gate does not set
// its own max_retries.
const DefaultGateRetries = 3

// Gate is a decision point evaluated against a step's scoring data to pick
// the next step. Conditions use the restricted comparison grammar implemented
// by the gate package; arbitrary code is never evaluated.
type Gate struct {
	Condition  string `json:"condition" yaml:"condition"`
	OnPass     string `json:"on_pass" yaml:"on_pass"`
	OnFail     string `json:"on_fail" yaml:"on_fail"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	cond *gate.Condition
}

// Compiled returns the parsed condition. It is non-nil for any gate that
// passed definition validation.
func (g *Gate) Compiled() *gate.Condition {
	return g.cond
}

// RetryLimit returns the loop-back bound for this gate.
func (g *Gate) RetryLimit() int {
	if g.MaxRetries > 0 {
		return g.MaxRetries
	}
	return DefaultGateRetries
}

// Step is a single unit of work in a pipeline definition.
type Step struct {
	ID       string         `json:"id" yaml:"id"`
	Agent    string         `json:"agent" yaml:"agent"`
	Action   string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Optional bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	Requires []string       `json:"requires,omitempty" yaml:"requires,omitempty"`
	Creates  []string       `json:"creates,omitempty" yaml:"creates,omitempty"`
	Gate     *Gate          `json:"gate,omitempty" yaml:"gate,omitempty"`
}

// Definition describes a pipeline as an ordered list of steps with declared
// artifact dependencies. Definitions are immutable once loaded.
type Definition struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   []*Step `json:"steps" yaml:"steps"`

	stepsByID map[string]*Step
}

// NewDefinition validates and indexes a definition. All structural checks
// happen here, eagerly: duplicate step ids, dangling gate targets, cycles in
// the requires/creates graph, and malformed gate conditions are rejected
// before any execution begins. Artifact availability is a runtime concern:
// a required name no step creates may still be satisfied by seed artifacts
// passed to Start, so it surfaces as a blocked run, not a load error.
func NewDefinition(def *Definition) (*Definition, error) {
	if def == nil {
		return nil, NewValidationError("definition is required")
	}
	if def.ID == "" {
		return nil, NewValidationError("definition id required")
	}
	if def.Name == "" {
		return nil, NewValidationError("definition name required")
	}
	if len(def.Steps) == 0 {
		return nil, NewValidationError("definition must have at least one step")
	}

	stepsByID := make(map[string]*Step, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return nil, NewValidationError("step id required")
		}
		if step.Agent == "" {
			return nil, NewValidationError("step %q: agent required", step.ID)
		}
		if _, exists := stepsByID[step.ID]; exists {
			return nil, NewValidationError("duplicate step id %q", step.ID)
		}
		stepsByID[step.ID] = step
	}

	for _, step := range def.Steps {
		if err := validateGate(step, stepsByID); err != nil {
			return nil, err
		}
	}

	if err := detectCycles(def.Steps); err != nil {
		return nil, err
	}

	def.stepsByID = stepsByID
	return def, nil
}

// Step returns a step by id.
func (d *Definition) Step(id string) (*Step, bool) {
	step, ok := d.stepsByID[id]
	return step, ok
}

// StepIDs returns the ids of all steps in definition order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, 0, len(d.Steps))
	for _, step := range d.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}

// Producers returns the ids of steps that declare the given artifact name in
// their creates set, in definition order.
func (d *Definition) Producers(name string) []string {
	var ids []string
	for _, step := range d.Steps {
		for _, created := range step.Creates {
			if created == name {
				ids = append(ids, step.ID)
			}
		}
	}
	return ids
}

func validateGate(step *Step, stepsByID map[string]*Step) error {
	g := step.Gate
	if g == nil {
		return nil
	}
	if g.Condition == "" {
		return NewValidationError("step %q: gate condition required", step.ID)
	}
	if g.OnPass == "" || g.OnFail == "" {
		return NewValidationError("step %q: gate requires both on_pass and on_fail", step.ID)
	}
	if _, ok := stepsByID[g.OnPass]; !ok {
		return NewValidationError("step %q: gate on_pass target %q not found", step.ID, g.OnPass)
	}
	if _, ok := stepsByID[g.OnFail]; !ok {
		return NewValidationError("step %q: gate on_fail target %q not found", step.ID, g.OnFail)
	}
	if g.MaxRetries < 0 {
		return NewValidationError("step %q: gate max_retries must not be negative", step.ID)
	}
	cond, err := gate.Parse(g.Condition)
	if err != nil {
		return NewGateError("step %q: invalid gate condition: %v", step.ID, err)
	}
	g.cond = cond
	return nil
}

// detectCycles rejects definitions whose requires/creates relation is not a
// DAG. Gate loop-backs are deliberate re-entry and are not part of this
// graph.
func detectCycles(steps []*Step) error {
	producers := map[string][]string{}
	for _, step := range steps {
		for _, name := range step.Creates {
			producers[name] = append(producers[name], step.ID)
		}
	}

	edges := map[string][]string{}
	for _, step := range steps {
		for _, name := range step.Requires {
			for _, producer := range producers[name] {
				edges[producer] = append(edges[producer], step.ID)
			}
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	colors := map[string]int{}
	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch colors[id] {
		case visiting:
			return NewValidationError("dependency cycle involving steps: %v", append(trail, id))
		case done:
			return nil
		}
		colors[id] = visiting
		for _, next := range edges[id] {
			if next == id {
				// A step may both require and create the same name
				// (in-place refinement); that is not a cycle.
				continue
			}
			if err := visit(next, append(trail, id)); err != nil {
				return err
			}
		}
		colors[id] = done
		return nil
	}

	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, step.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads a pipeline definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return Load(data)
}

// Load loads a pipeline definition from YAML bytes.
func Load(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewValidationError("failed to unmarshal definition: %v", err)
	}
	return NewDefinition(&def)
}

// LoadString loads a pipeline definition from a YAML string.
func LoadString(data string) (*Definition, error) {
	return Load([]byte(data))
}
