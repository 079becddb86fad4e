package conductor

import "context"

// ResultStatus is the outcome reported by an agent for one step execution.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// StepResult is what an agent returns from executing a step. Artifacts maps
// declared artifact names to content references. Scoring carries whatever
// quality metrics the agent computed; gates evaluate against it. TokensUsed
// feeds the budget monitor.
type StepResult struct {
	Status     ResultStatus      `json:"status"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	Scoring    map[string]any    `json:"scoring,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Agent is the collaborator boundary: a capability that can execute pipeline
// steps. The artifacts map passed to Execute contains only the artifacts the
// step declared in its requires set, never the full run state. Timeouts on
// individual executions are the agent's responsibility; a hung call must be
// surfaced as an error, not block forever.
type Agent interface {

	// Name returns the capability identifier this agent serves.
	Name() string

	// Execute runs one step. Returning an error, or a result with
	// ResultError status, fails the run; the orchestrator never retries
	// automatically (gate on_fail loop-backs are the retry mechanism).
	Execute(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error)
}

// AgentRegistry maps capability identifiers to agent implementations. It is
// resolved once at orchestrator construction.
type AgentRegistry map[string]Agent

// AgentFunction adapts a plain function to the Agent interface.
type AgentFunction struct {
	name string
	fn   func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error)
}

// NewAgentFunction creates a function-backed agent for the given capability.
func NewAgentFunction(name string, fn func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error)) *AgentFunction {
	return &AgentFunction{name: name, fn: fn}
}

func (a *AgentFunction) Name() string {
	return a.name
}

func (a *AgentFunction) Execute(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
	return a.fn(ctx, step, artifacts)
}
