package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipelineDefinition(t *testing.T, gateRetries int) *Definition {
	t.Helper()
	def, err := NewDefinition(&Definition{
		ID:   "code-review",
		Name: "Code Review Pipeline",
		Steps: []*Step{
			{ID: "plan", Agent: "planner", Creates: []string{"plan"}},
			{ID: "implement", Agent: "coder", Requires: []string{"plan"}, Creates: []string{"diff"}},
			{ID: "review", Agent: "reviewer", Requires: []string{"diff"}, Creates: []string{"report"},
				Gate: &Gate{
					Condition:  "score >= 70",
					OnPass:     "finalize",
					OnFail:     "implement",
					MaxRetries: gateRetries,
				}},
			{ID: "finalize", Agent: "publisher", Requires: []string{"report"}, Creates: []string{"notes"}},
		},
	})
	require.NoError(t, err)
	return def
}

func okAgent(name string, tokens int) Agent {
	return NewAgentFunction(name, func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		produced := map[string]string{}
		for _, artifact := range step.Creates {
			produced[artifact] = fmt.Sprintf("%s/%s", step.ID, artifact)
		}
		return &StepResult{Status: ResultOK, Artifacts: produced, TokensUsed: tokens}, nil
	})
}

// scoringAgent returns the step's artifacts plus a score taken from the
// provided sequence, one per invocation.
func scoringAgent(name string, scores ...int) Agent {
	var mutex sync.Mutex
	call := 0
	return NewAgentFunction(name, func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		mutex.Lock()
		score := scores[len(scores)-1]
		if call < len(scores) {
			score = scores[call]
		}
		call++
		mutex.Unlock()

		produced := map[string]string{}
		for _, artifact := range step.Creates {
			produced[artifact] = fmt.Sprintf("%s/%s", step.ID, artifact)
		}
		return &StepResult{
			Status:    ResultOK,
			Artifacts: produced,
			Scoring:   map[string]any{"score": score},
		}, nil
	})
}

type recordingCallbacks struct {
	BaseRunCallbacks
	mutex       sync.Mutex
	beforeRuns  int
	afterRuns   int
	steps       []string
	checkpoints []CheckpointReason
	runErr      error
}

func (r *recordingCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.beforeRuns++
}

func (r *recordingCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.afterRuns++
	r.runErr = event.Error
}

func (r *recordingCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.steps = append(r.steps, event.StepID)
}

func (r *recordingCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.checkpoints = append(r.checkpoints, event.Reason)
}

func TestOrchestratorHappyPath(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	callbacks := &recordingCallbacks{}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
		Callbacks:    callbacks,
	})
	require.NoError(t, err)

	require.NoError(t, orchestrator.Run(context.Background()))

	summary := orchestrator.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, []string{"plan", "implement", "review", "finalize"}, summary.CompletedSteps)
	require.Empty(t, summary.CurrentStep)
	require.NotEmpty(t, summary.LastCheckpointID)
	require.False(t, summary.EndTime.IsZero())

	require.Equal(t, 1, callbacks.beforeRuns)
	require.Equal(t, 1, callbacks.afterRuns)
	require.NoError(t, callbacks.runErr)
	require.Equal(t, []string{"plan", "implement", "review", "finalize"}, callbacks.steps)
	require.Equal(t, []CheckpointReason{CheckpointTerminal}, callbacks.checkpoints)

	latest, err := checkpointer.Latest(context.Background(), orchestrator.ID())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, latest.Status)
	require.NoError(t, latest.Verify())
	require.Len(t, latest.Snapshot.Artifacts, 4)
}

func TestOrchestratorStepFailureAndResume(t *testing.T) {
	def := pipelineDefinition(t, 0)
	dataDir := t.TempDir()
	checkpointer, err := NewFileCheckpointer(dataDir)
	require.NoError(t, err)

	failOnce := true
	var mutex sync.Mutex
	coder := NewAgentFunction("coder", func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		mutex.Lock()
		shouldFail := failOnce
		failOnce = false
		mutex.Unlock()
		if shouldFail {
			return nil, errors.New("compiler exploded")
		}
		return &StepResult{Status: ResultOK, Artifacts: map[string]string{"diff": "implement/diff"}}, nil
	})

	first, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), coder, scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	err = first.Run(context.Background())
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeStepFailed))

	summary := first.Status()
	require.Equal(t, StatusFailed, summary.Status)
	// The failing step stays recorded so a resume re-runs it.
	require.Equal(t, "implement", summary.CurrentStep)
	require.Equal(t, []string{"plan"}, summary.CompletedSteps)
	require.NotEmpty(t, summary.LastCheckpointID)

	// Resume from the terminal checkpoint in a fresh orchestrator.
	second, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), coder, scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background(), summary.LastCheckpointID))

	resumed := second.Status()
	require.Equal(t, StatusCompleted, resumed.Status)
	require.Equal(t, summary.RunID, resumed.RunID)
	// plan did not re-execute: it appears exactly once in the history.
	require.Equal(t, []string{"plan", "implement", "review", "finalize"}, resumed.CompletedSteps)
	require.Empty(t, resumed.Error)
}

func TestOrchestratorGateLoopBack(t *testing.T) {
	def := pipelineDefinition(t, 3)

	// Review fails its gate once, then passes after implement re-runs.
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 40, 90), okAgent("publisher", 0)},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Run(context.Background()))

	summary := orchestrator.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t,
		[]string{"plan", "implement", "review", "implement", "review", "finalize"},
		summary.CompletedSteps)
}

func TestOrchestratorGateRetriesExhausted(t *testing.T) {
	def := pipelineDefinition(t, 1)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 10), okAgent("publisher", 0)},
	})
	require.NoError(t, err)

	err = orchestrator.Run(context.Background())
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeGate))
	require.Contains(t, err.Error(), "exhausted")
	require.Equal(t, StatusFailed, orchestrator.Status().Status)
}

func TestOrchestratorGateEvaluationError(t *testing.T) {
	def := pipelineDefinition(t, 0)

	// Reviewer reports no scoring data at all; the gate must fail the run,
	// never silently pick a branch.
	reviewer := NewAgentFunction("reviewer", func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		return &StepResult{Status: ResultOK, Artifacts: map[string]string{"report": "r"}}, nil
	})
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), reviewer, okAgent("publisher", 0)},
	})
	require.NoError(t, err)

	err = orchestrator.Run(context.Background())
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeGate))
	require.Equal(t, StatusFailed, orchestrator.Status().Status)
}

func TestOrchestratorBlockedNotFailed(t *testing.T) {
	def, err := NewDefinition(&Definition{
		ID:   "needs-input",
		Name: "Needs Input",
		Steps: []*Step{
			{ID: "analyze", Agent: "analyst", Requires: []string{"requirements"}, Creates: []string{"analysis"}},
		},
	})
	require.NoError(t, err)
	dataDir := t.TempDir()
	checkpointer, err := NewFileCheckpointer(dataDir)
	require.NoError(t, err)

	first, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("analyst", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	err = first.Run(context.Background())
	require.Error(t, err)
	require.True(t, IsBlocked(err))
	require.Equal(t, []string{"requirements"}, MissingArtifacts(err))

	summary := first.Status()
	require.Equal(t, StatusBlocked, summary.Status)
	require.Equal(t, []string{"requirements"}, summary.BlockedOn)
	require.NotEmpty(t, summary.LastCheckpointID)

	// Seeding the missing artifact and resuming unblocks the run.
	second, err := NewOrchestrator(OrchestratorOptions{
		Definition:    def,
		Agents:        []Agent{okAgent("analyst", 0)},
		Checkpointer:  checkpointer,
		SeedArtifacts: map[string]string{"requirements": "./reqs.md"},
		RunID:         summary.RunID,
	})
	require.NoError(t, err)
	require.NoError(t, second.ResumeLatest(context.Background()))
	require.Equal(t, StatusCompleted, second.Status().Status)
}

func TestOrchestratorGateTargetWaitsForPrerequisite(t *testing.T) {
	// The gate routes to ship before prep has produced the bundle ship
	// requires. The run must execute prep rather than block.
	def, err := NewDefinition(&Definition{
		ID:   "release",
		Name: "Release",
		Steps: []*Step{
			{ID: "check", Agent: "checker", Creates: []string{"verdict"},
				Gate: &Gate{
					Condition: "score >= 70",
					OnPass:    "ship",
					OnFail:    "check",
				}},
			{ID: "prep", Agent: "packer", Creates: []string{"bundle"}},
			{ID: "ship", Agent: "shipper", Requires: []string{"bundle", "verdict"}, Creates: []string{"release"}},
		},
	})
	require.NoError(t, err)
	callbacks := &recordingCallbacks{}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{scoringAgent("checker", 95), okAgent("packer", 0), okAgent("shipper", 0)},
		Callbacks:  callbacks,
	})
	require.NoError(t, err)

	require.NoError(t, orchestrator.Run(context.Background()))
	require.Equal(t, StatusCompleted, orchestrator.Status().Status)
	require.Equal(t, []string{"check", "prep", "ship"}, callbacks.steps)
}

func TestOrchestratorBlockedAdvanceCheckpointsOnce(t *testing.T) {
	def, err := NewDefinition(&Definition{
		ID:   "needs-input",
		Name: "Needs Input",
		Steps: []*Step{
			{ID: "analyze", Agent: "analyst", Requires: []string{"requirements"}, Creates: []string{"analysis"}},
		},
	})
	require.NoError(t, err)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("analyst", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Start(context.Background()))

	// Advancing a blocked run again reports the block but must not write
	// a fresh checkpoint each time.
	for i := 0; i < 3; i++ {
		_, err = orchestrator.Advance(context.Background())
		require.True(t, IsBlocked(err))
	}

	infos, err := checkpointer.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, CheckpointBlocked, infos[0].Reason)
}

func TestOrchestratorSeedArtifacts(t *testing.T) {
	def, err := NewDefinition(&Definition{
		ID:   "seeded",
		Name: "Seeded",
		Steps: []*Step{
			{ID: "analyze", Agent: "analyst", Requires: []string{"requirements"}, Creates: []string{"analysis"}},
		},
	})
	require.NoError(t, err)

	var seen *Artifact
	analyst := NewAgentFunction("analyst", func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		seen = artifacts["requirements"]
		return &StepResult{Status: ResultOK, Artifacts: map[string]string{"analysis": "a"}}, nil
	})

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:    def,
		Agents:        []Agent{analyst},
		SeedArtifacts: map[string]string{"requirements": "./reqs.md"},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Run(context.Background()))

	require.NotNil(t, seen)
	require.Equal(t, "./reqs.md", seen.Ref)
	require.Equal(t, SeedStepID, seen.StepID)
}

func TestOrchestratorScopedArtifacts(t *testing.T) {
	def := pipelineDefinition(t, 0)

	// The reviewer declares only diff; it must not see plan.
	var names []string
	reviewer := NewAgentFunction("reviewer", func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		for name := range artifacts {
			names = append(names, name)
		}
		return &StepResult{
			Status:    ResultOK,
			Artifacts: map[string]string{"report": "r"},
			Scoring:   map[string]any{"score": 90},
		}, nil
	})

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), reviewer, okAgent("publisher", 0)},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Run(context.Background()))
	require.Equal(t, []string{"diff"}, names)
}

func TestOrchestratorSkip(t *testing.T) {
	def, err := NewDefinition(&Definition{
		ID:   "with-optional",
		Name: "With Optional",
		Steps: []*Step{
			{ID: "build", Agent: "worker", Creates: []string{"binary"}},
			{ID: "benchmark", Agent: "worker", Requires: []string{"binary"}, Optional: true},
			{ID: "package", Agent: "worker", Requires: []string{"binary"}},
		},
	})
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("worker", 0)},
	})
	require.NoError(t, err)

	t.Run("only optional steps can be skipped", func(t *testing.T) {
		err := orchestrator.Skip("package")
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeValidation))

		err = orchestrator.Skip("missing")
		require.Error(t, err)
	})

	require.NoError(t, orchestrator.Skip("benchmark"))
	require.NoError(t, orchestrator.Run(context.Background()))

	summary := orchestrator.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, []string{"build", "package"}, summary.CompletedSteps)
	require.Equal(t, []string{"benchmark"}, summary.SkippedSteps)
}

func TestOrchestratorAbortAndResume(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	first, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, first.Start(ctx))
	_, err = first.Advance(ctx) // plan
	require.NoError(t, err)
	require.NoError(t, first.Abort(ctx))

	summary := first.Status()
	require.Equal(t, StatusAborted, summary.Status)
	require.Equal(t, []string{"plan"}, summary.CompletedSteps)

	// Resuming an aborted run is explicit and picks up where it stopped.
	second, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
		RunID:        summary.RunID,
	})
	require.NoError(t, err)
	require.NoError(t, second.ResumeLatest(ctx))

	resumed := second.Status()
	require.Equal(t, StatusCompleted, resumed.Status)
	require.Equal(t, []string{"plan", "implement", "review", "finalize"}, resumed.CompletedSteps)
}

func TestOrchestratorBudgetCheckpoint(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	callbacks := &recordingCallbacks{}

	// Crossing the top threshold mid-run forces a checkpoint before the
	// terminal one.
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 60), okAgent("coder", 35), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
		Callbacks:    callbacks,
		Budget:       BudgetConfig{Total: 100},
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Run(context.Background()))

	summary := orchestrator.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 95, summary.TokensUsed)
	require.Equal(t, []CheckpointReason{CheckpointBudget, CheckpointTerminal}, callbacks.checkpoints)
}

func TestOrchestratorBudgetExhaustionDoesNotAbort(t *testing.T) {
	def := pipelineDefinition(t, 0)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 150), okAgent("coder", 10), scoringAgent("reviewer", 95), okAgent("publisher", 10)},
		Budget:     BudgetConfig{Total: 100},
	})
	require.NoError(t, err)

	// Exhaustion warns and checkpoints; the run itself keeps going.
	require.NoError(t, orchestrator.Run(context.Background()))
	summary := orchestrator.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 170, summary.TokensUsed)
}

type failingCheckpointer struct {
	NullCheckpointer
	attempts int
}

func (c *failingCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	c.attempts++
	return errors.New("disk on fire")
}

func TestOrchestratorDegradedCheckpointing(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer := &failingCheckpointer{}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	// Checkpoint write failures degrade resumability but never fail the run.
	require.NoError(t, orchestrator.Run(context.Background()))
	require.Equal(t, StatusCompleted, orchestrator.Status().Status)
	require.True(t, orchestrator.DegradedResumability())
	// One save plus one retry for the terminal checkpoint.
	require.Equal(t, 2, checkpointer.attempts)
}

func TestOrchestratorManualCheckpoint(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, orchestrator.Start(ctx))
	_, err = orchestrator.Advance(ctx)
	require.NoError(t, err)

	id, err := orchestrator.Checkpoint(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	loaded, err := checkpointer.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, CheckpointManual, loaded.Reason)
	require.Equal(t, []string{"plan"}, loaded.Snapshot.CompletedSteps)
}

func TestOrchestratorResumeRejectsCorruptCheckpoint(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	cp, err := NewCheckpoint(&RunSnapshot{
		RunID:        "run_x",
		DefinitionID: def.ID,
		Status:       StatusRunning,
	}, CheckpointManual)
	require.NoError(t, err)
	cp.Checksum = "0000"
	require.NoError(t, checkpointer.Save(context.Background(), cp))

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	err = orchestrator.Resume(context.Background(), cp.ID)
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeStateCorruption))
}

func TestOrchestratorResumeRejectsDefinitionMismatch(t *testing.T) {
	def := pipelineDefinition(t, 0)
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	cp, err := NewCheckpoint(&RunSnapshot{
		RunID:        "run_x",
		DefinitionID: "some-other-pipeline",
		Status:       StatusRunning,
	}, CheckpointManual)
	require.NoError(t, err)
	require.NoError(t, checkpointer.Save(context.Background(), cp))

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition:   def,
		Agents:       []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	err = orchestrator.Resume(context.Background(), cp.ID)
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeStateCorruption))
	require.Contains(t, err.Error(), "belongs to definition")
}

func TestOrchestratorValidation(t *testing.T) {
	t.Run("missing definition", func(t *testing.T) {
		_, err := NewOrchestrator(OrchestratorOptions{})
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeValidation))
	})

	t.Run("unregistered agent capability", func(t *testing.T) {
		def := pipelineDefinition(t, 0)
		_, err := NewOrchestrator(OrchestratorOptions{
			Definition: def,
			Agents:     []Agent{okAgent("planner", 0)},
		})
		require.Error(t, err)
		require.True(t, HasType(err, ErrTypeValidation))
		require.Contains(t, err.Error(), "unregistered agent capability")
	})

	t.Run("run before start", func(t *testing.T) {
		def := pipelineDefinition(t, 0)
		orchestrator, err := NewOrchestrator(OrchestratorOptions{
			Definition: def,
			Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		})
		require.NoError(t, err)
		_, err = orchestrator.Advance(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "not started")
	})
}

func TestOrchestratorResultErrorStatus(t *testing.T) {
	def, err := NewDefinition(&Definition{
		ID:   "single",
		Name: "Single",
		Steps: []*Step{
			{ID: "work", Agent: "worker"},
		},
	})
	require.NoError(t, err)

	worker := NewAgentFunction("worker", func(ctx context.Context, step *Step, artifacts map[string]*Artifact) (*StepResult, error) {
		return &StepResult{Status: ResultError, Message: "budget rejected"}, nil
	})
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{worker},
	})
	require.NoError(t, err)

	err = orchestrator.Run(context.Background())
	require.Error(t, err)
	require.True(t, HasType(err, ErrTypeStepFailed))
	require.Contains(t, err.Error(), "budget rejected")
}

func TestOrchestratorStepLogging(t *testing.T) {
	def := pipelineDefinition(t, 0)
	logsDir := t.TempDir()
	stepLogger := NewFileStepLogger(logsDir)

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Definition: def,
		Agents:     []Agent{okAgent("planner", 0), okAgent("coder", 0), scoringAgent("reviewer", 95), okAgent("publisher", 0)},
		StepLogger: stepLogger,
	})
	require.NoError(t, err)
	require.NoError(t, orchestrator.Run(context.Background()))

	entries, err := stepLogger.StepHistory(context.Background(), orchestrator.ID())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, "plan", entries[0].StepID)
	require.Equal(t, "planner", entries[0].Agent)
	require.Equal(t, 1, entries[0].Iteration)
	require.NotNil(t, entries[2].Result)
}
