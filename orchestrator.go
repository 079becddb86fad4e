package conductor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// OrchestratorOptions configures a new Orchestrator.
type OrchestratorOptions struct {
	Definition    *Definition
	Agents        []Agent
	SeedArtifacts map[string]string // artifact name -> content ref, injected at Start
	Checkpointer  Checkpointer
	StepLogger    StepLogger
	Logger        *slog.Logger
	Formatter     Formatter
	Callbacks     RunCallbacks
	Budget        BudgetConfig
	RunID         string
}

// Orchestrator drives a single pipeline run: it owns the one authoritative
// RunState, asks the resolver for the next runnable step, dispatches to
// agents, evaluates gates, feeds the budget monitor, and persists
// checkpoints. Execution is strictly sequential; the agent call is the only
// blocking operation in the loop.
type Orchestrator struct {
	definition   *Definition
	agents       AgentRegistry
	state        *RunState
	budget       *BudgetMonitor
	checkpointer Checkpointer
	stepLogger   StepLogger
	callbacks    RunCallbacks
	logger       *slog.Logger
	formatter    Formatter
	seeds        map[string]string

	// forcedNext carries a gate decision (or a resumed current step) into
	// the next iteration, bypassing definition-order selection.
	forcedNext string
	degraded   bool
	started    bool
	mutex      sync.Mutex
}

// NewOrchestrator creates an orchestrator for one run of the given
// definition. Every agent capability the definition references must be
// registered; missing capabilities are rejected here, never discovered
// mid-run.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Definition == nil {
		return nil, NewValidationError("definition is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseRunCallbacks{}
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}

	agents := make(AgentRegistry, len(opts.Agents))
	for _, agent := range opts.Agents {
		agents[agent.Name()] = agent
	}
	for _, step := range opts.Definition.Steps {
		if _, ok := agents[step.Agent]; !ok {
			return nil, NewValidationError("step %q requires unregistered agent capability %q", step.ID, step.Agent)
		}
	}

	return &Orchestrator{
		definition:   opts.Definition,
		agents:       agents,
		state:        NewRunState(opts.RunID, opts.Definition.ID),
		budget:       NewBudgetMonitor(opts.Budget),
		checkpointer: opts.Checkpointer,
		stepLogger:   opts.StepLogger,
		callbacks:    opts.Callbacks,
		logger:       opts.Logger.With("run_id", opts.RunID),
		formatter:    opts.Formatter,
		seeds:        opts.SeedArtifacts,
	}, nil
}

// ID returns the run ID.
func (o *Orchestrator) ID() string {
	return o.state.ID()
}

// Status returns the caller-facing run summary.
func (o *Orchestrator) Status() *RunSummary {
	s := o.state
	summary := &RunSummary{
		RunID:            s.ID(),
		DefinitionID:     s.DefinitionID(),
		Status:           s.Status(),
		CurrentStep:      s.CurrentStep(),
		CompletedSteps:   s.CompletedSteps(),
		SkippedSteps:     s.SkippedSteps(),
		BlockedOn:        s.BlockedOn(),
		TokensUsed:       s.TokensUsed(),
		LastCheckpointID: s.LastCheckpointID(),
		StartTime:        s.StartTime(),
		EndTime:          s.EndTime(),
	}
	if err := s.Err(); err != nil {
		summary.Error = err.Error()
	}
	return summary
}

// Start transitions the run from pending to running and injects any seed
// artifacts. It does not execute steps; use Advance or Run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.start(ctx)
}

func (o *Orchestrator) start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("run already started")
	}
	if err := o.state.SetStatus(StatusRunning); err != nil {
		return err
	}
	o.started = true
	o.state.SetTiming(time.Now(), time.Time{})

	for name, ref := range o.seeds {
		o.state.PutArtifact(&Artifact{
			Name:      name,
			StepID:    SeedStepID,
			Ref:       ref,
			CreatedAt: time.Now(),
		})
	}

	o.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:        o.state.ID(),
		DefinitionID: o.state.DefinitionID(),
		Status:       o.state.Status(),
		StartTime:    o.state.StartTime(),
	})
	o.logger.Info("run started",
		"definition", o.definition.ID,
		"steps", len(o.definition.Steps),
		"seed_artifacts", len(o.seeds))
	return nil
}

// Run executes the pipeline until it completes, blocks, or fails. A blocked
// pipeline returns a blocked-classified error with the missing artifact
// names attached; it is a soft condition, not a failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !o.started {
		if err := o.start(ctx); err != nil {
			return err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := o.advance(ctx)
		if err != nil || done {
			return err
		}
	}
}

// Advance executes exactly one orchestrator loop iteration: resolve the
// next step, dispatch it, apply the result. It returns true once the run
// has reached a terminal status.
func (o *Orchestrator) Advance(ctx context.Context) (bool, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !o.started {
		return false, fmt.Errorf("run not started")
	}
	return o.advance(ctx)
}

func (o *Orchestrator) advance(ctx context.Context) (bool, error) {
	switch status := o.state.Status(); status {
	case StatusRunning, StatusBlocked:
	default:
		return true, fmt.Errorf("cannot advance a run in status %s", status)
	}

	step, missing := o.nextStep()
	if step == nil {
		if len(missing) == 0 {
			return true, o.complete(ctx)
		}
		return false, o.block(ctx, missing)
	}

	// A blocked run that found a runnable step resumes making progress.
	if o.state.Status() == StatusBlocked {
		if err := o.state.SetStatus(StatusRunning); err != nil {
			return true, err
		}
	}

	return o.executeStep(ctx, step)
}

// nextStep honors a pending gate decision before falling back to
// definition-order resolution. Required artifacts are verified either way.
func (o *Orchestrator) nextStep() (*Step, []string) {
	if o.forcedNext != "" {
		step, ok := o.definition.Step(o.forcedNext)
		if !ok {
			// Validated at load; defensive against a stale checkpoint.
			return nil, nil
		}
		unmet := unmetRequires(step, o.state)
		if len(unmet) == 0 {
			return step, nil
		}
		// The forced target is not runnable yet. Another pending step may
		// produce what it is missing, so let the resolver pick one and keep
		// the pointer for when the target becomes ready.
		if ready, _ := NextReady(o.definition, o.state); ready != nil {
			return ready, nil
		}
		return nil, unmet
	}
	return NextReady(o.definition, o.state)
}

func (o *Orchestrator) block(ctx context.Context, missing []string) error {
	alreadyBlocked := o.state.Status() == StatusBlocked
	o.state.SetBlocked(missing)
	if err := o.state.SetStatus(StatusBlocked); err != nil {
		return err
	}
	// Advancing an already-blocked run should not pile up checkpoints.
	if !alreadyBlocked {
		o.logger.Warn("run blocked", "missing_artifacts", missing)
		o.saveCheckpoint(ctx, CheckpointBlocked)
	}
	return NewBlockedError(missing)
}

func (o *Orchestrator) executeStep(ctx context.Context, step *Step) (bool, error) {
	o.state.SetCurrentStep(step.ID)
	agent := o.agents[step.Agent]
	iteration := o.state.Iterations(step.ID) + 1

	if o.formatter != nil {
		o.formatter.PrintStepStart(step.ID, agent.Name())
	}
	startTime := time.Now()
	event := &StepEvent{
		RunID:     o.state.ID(),
		StepID:    step.ID,
		Agent:     step.Agent,
		Action:    step.Action,
		Iteration: iteration,
		StartTime: startTime,
	}
	o.callbacks.BeforeStep(ctx, event)

	result, err := agent.Execute(ctx, step, o.scopedArtifacts(step))

	endTime := time.Now()
	event.Result = result
	event.EndTime = endTime
	event.Duration = endTime.Sub(startTime)

	if err == nil && result == nil {
		err = fmt.Errorf("agent %q returned no result", step.Agent)
	}
	if err == nil && result.Status == ResultError {
		err = errors.New(result.Message)
		if result.Message == "" {
			err = fmt.Errorf("agent %q reported error status", step.Agent)
		}
	}

	o.logStep(ctx, step, iteration, result, err, startTime, event.Duration)

	if err != nil {
		return true, o.failStep(ctx, step, event, err)
	}

	o.applyResult(step, result)
	event.Error = nil
	o.callbacks.AfterStep(ctx, event)
	if o.formatter != nil {
		o.formatter.PrintStepResult(step.ID, result)
	}

	o.updateBudget(ctx, result.TokensUsed)

	if step.Gate != nil {
		if err := o.evaluateGate(ctx, step, result); err != nil {
			return true, err
		}
	} else if o.forcedNext == "" || o.forcedNext == step.ID {
		o.forcedNext = ""
		o.state.SetCurrentStep("")
	} else {
		// A prerequisite ran ahead of a pending gate target; the pointer
		// to the target stays put until the target itself runs.
		o.state.SetCurrentStep(o.forcedNext)
	}

	// Terminal checkpointing happens in complete(); nothing else to do here.
	return false, nil
}

// scopedArtifacts builds the capability-scoped context: only the artifacts
// the step declared in requires, never the full state.
func (o *Orchestrator) scopedArtifacts(step *Step) map[string]*Artifact {
	scoped := make(map[string]*Artifact, len(step.Requires))
	for _, name := range step.Requires {
		if artifact, ok := o.state.Artifact(name); ok {
			scoped[name] = artifact
		}
	}
	return scoped
}

func (o *Orchestrator) failStep(ctx context.Context, step *Step, event *StepEvent, cause error) error {
	failErr := NewStepFailedError(step.ID, cause)
	o.state.SetError(failErr)
	o.state.SetTiming(o.state.StartTime(), time.Now())

	event.Error = failErr
	o.callbacks.AfterStep(ctx, event)
	if o.formatter != nil {
		o.formatter.PrintStepError(step.ID, cause)
	}
	o.logger.Error("step failed", "step", step.ID, "error", cause)

	o.saveCheckpoint(ctx, CheckpointTerminal)
	o.afterRun(ctx, failErr)
	return failErr
}

func (o *Orchestrator) applyResult(step *Step, result *StepResult) {
	now := time.Now()
	for name, ref := range result.Artifacts {
		replaced := o.state.PutArtifact(&Artifact{
			Name:      name,
			StepID:    step.ID,
			Ref:       ref,
			CreatedAt: now,
		})
		if replaced {
			o.logger.Info("artifact overwritten", "artifact", name, "step", step.ID)
		}
	}
	for _, name := range step.Creates {
		if _, ok := result.Artifacts[name]; !ok {
			o.logger.Warn("step did not produce declared artifact", "step", step.ID, "artifact", name)
		}
	}
	o.state.RecordCompletion(step.ID)
}

func (o *Orchestrator) updateBudget(ctx context.Context, consumed int) {
	if consumed <= 0 {
		return
	}
	o.state.AddTokens(consumed)
	report := o.budget.Update(consumed)
	if report.Message != "" {
		o.logger.Warn(report.Message)
	}
	if report.ShouldCheckpoint {
		o.saveCheckpoint(ctx, CheckpointBudget)
	}
}

func (o *Orchestrator) evaluateGate(ctx context.Context, step *Step, result *StepResult) error {
	g := step.Gate
	pass, err := g.Compiled().Evaluate(result.Scoring)
	if err != nil {
		gateErr := NewGateError("step %q gate %q: %v", step.ID, g.Condition, err)
		o.state.SetError(gateErr)
		o.state.SetTiming(o.state.StartTime(), time.Now())
		o.logger.Error("gate evaluation failed", "step", step.ID, "condition", g.Condition, "error", err)
		o.saveCheckpoint(ctx, CheckpointTerminal)
		o.afterRun(ctx, gateErr)
		return gateErr
	}

	target := g.OnPass
	if pass {
		o.state.ResetGateRetries(step.ID)
	} else {
		target = g.OnFail
		retries := o.state.IncGateRetries(step.ID)
		if retries > g.RetryLimit() {
			gateErr := NewGateError("step %q gate exhausted %d remediation attempts", step.ID, g.RetryLimit())
			o.state.SetError(gateErr)
			o.state.SetTiming(o.state.StartTime(), time.Now())
			o.logger.Error("gate retries exhausted", "step", step.ID, "limit", g.RetryLimit())
			o.saveCheckpoint(ctx, CheckpointTerminal)
			o.afterRun(ctx, gateErr)
			return gateErr
		}
	}

	o.logger.Info("gate evaluated",
		"step", step.ID,
		"condition", g.Condition,
		"pass", pass,
		"next", target)

	// A loop-back re-enters already-completed steps: the target runs again
	// as a new execution, and the gated step itself re-evaluates afterward.
	if o.state.Completed(target) {
		o.state.Reenter(target)
	}
	if !pass && target != step.ID {
		o.state.Reenter(step.ID)
	}
	o.forcedNext = target
	o.state.SetCurrentStep(target)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context) error {
	o.forcedNext = ""
	o.state.SetCurrentStep("")
	o.state.SetTiming(o.state.StartTime(), time.Now())
	if err := o.state.SetStatus(StatusCompleted); err != nil {
		return err
	}
	o.logger.Info("run completed",
		"completed_steps", len(o.state.CompletedSteps()),
		"tokens_used", o.state.TokensUsed())
	o.saveCheckpoint(ctx, CheckpointTerminal)
	o.afterRun(ctx, nil)
	return nil
}

// Abort persists a terminal aborted checkpoint. Resuming an aborted run is
// always an explicit user action.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.state.SetStatus(StatusAborted); err != nil {
		return err
	}
	o.state.SetTiming(o.state.StartTime(), time.Now())
	o.logger.Info("run aborted")
	o.saveCheckpoint(ctx, CheckpointTerminal)
	o.afterRun(ctx, nil)
	return nil
}

// Skip marks an optional step as skipped so the resolver never offers it.
func (o *Orchestrator) Skip(stepID string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	step, ok := o.definition.Step(stepID)
	if !ok {
		return NewValidationError("step %q not found", stepID)
	}
	if !step.Optional {
		return NewValidationError("step %q is not optional and cannot be skipped", stepID)
	}
	if o.state.Completed(stepID) {
		return NewValidationError("step %q already completed", stepID)
	}
	o.state.MarkSkipped(stepID)
	o.logger.Info("step skipped", "step", stepID)
	return nil
}

// Checkpoint persists a manual checkpoint of the current state.
func (o *Orchestrator) Checkpoint(ctx context.Context) (string, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	id := o.saveCheckpoint(ctx, CheckpointManual)
	if id == "" {
		return "", fmt.Errorf("checkpoint save failed")
	}
	return id, nil
}

// Resume restores run state from a checkpoint and continues execution.
// The checkpoint's schema version and checksum are validated first; a
// corrupt checkpoint refuses to resume rather than reconstructing a
// best-effort state. Failed and aborted runs return to running through
// this path only.
func (o *Orchestrator) Resume(ctx context.Context, checkpointID string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.started {
		return fmt.Errorf("run already started")
	}

	checkpoint, err := o.checkpointer.Load(ctx, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint %q not found", checkpointID)
	}
	if err := o.restore(checkpoint); err != nil {
		return err
	}

	o.logger.Info("resumed from checkpoint",
		"checkpoint_id", checkpointID,
		"status", o.state.Status(),
		"current_step", o.state.CurrentStep())

	if o.state.Status() == StatusCompleted {
		o.logger.Info("run already completed at checkpoint")
		return nil
	}
	o.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:        o.state.ID(),
		DefinitionID: o.state.DefinitionID(),
		Status:       o.state.Status(),
		StartTime:    o.state.StartTime(),
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := o.advance(ctx)
		if err != nil || done {
			return err
		}
	}
}

// ResumeLatest resumes from the most recent checkpoint of the configured
// run ID.
func (o *Orchestrator) ResumeLatest(ctx context.Context) error {
	checkpoint, err := o.checkpointer.Latest(ctx, o.state.ID())
	if err != nil {
		return fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if checkpoint == nil {
		return fmt.Errorf("no checkpoint found for run %s", o.state.ID())
	}
	return o.Resume(ctx, checkpoint.ID)
}

func (o *Orchestrator) restore(checkpoint *Checkpoint) error {
	if err := checkpoint.Verify(); err != nil {
		return err
	}
	snapshot := checkpoint.Snapshot
	if snapshot.DefinitionID != o.definition.ID {
		return NewStateCorruptionError("checkpoint %s belongs to definition %q, orchestrator has %q",
			checkpoint.ID, snapshot.DefinitionID, o.definition.ID)
	}

	wasCompleted := snapshot.Status == StatusCompleted
	o.state.Restore(snapshot)
	o.state.SetLastCheckpointID(checkpoint.ID)
	o.budget.Restore(snapshot.TokensUsed)
	o.started = true

	// Seed artifacts apply on resume too, so a blocked run can be given
	// its missing inputs.
	for name, ref := range o.seeds {
		o.state.PutArtifact(&Artifact{
			Name:      name,
			StepID:    SeedStepID,
			Ref:       ref,
			CreatedAt: time.Now(),
		})
	}

	if wasCompleted {
		return nil
	}
	if err := o.state.markResumed(); err != nil {
		return err
	}

	// The recorded current step is the resume point: either the step that
	// failed or the pending target of a gate decision.
	if current := o.state.CurrentStep(); current != "" {
		if _, ok := o.definition.Step(current); !ok {
			return NewStateCorruptionError("checkpoint %s references unknown step %q", checkpoint.ID, current)
		}
		if o.state.Completed(current) {
			o.state.Reenter(current)
		}
		o.forcedNext = current
	}
	return nil
}

// saveCheckpoint seals and persists a checkpoint, retrying a failed write
// once. A second failure degrades resumability but does not stop the run;
// the condition is logged loudly instead of silently swallowed.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, reason CheckpointReason) string {
	checkpoint, err := NewCheckpoint(o.state.Snapshot(), reason)
	if err != nil {
		o.logger.Error("failed to build checkpoint", "error", err)
		return ""
	}

	err = o.checkpointer.Save(ctx, checkpoint)
	if err != nil {
		o.logger.Warn("checkpoint save failed, retrying once", "error", err)
		err = o.checkpointer.Save(ctx, checkpoint)
	}
	if err != nil {
		o.degraded = true
		o.logger.Warn("checkpoint save failed twice; continuing in memory with degraded resumability",
			"checkpoint_id", checkpoint.ID, "reason", reason, "error", err)
		return ""
	}

	o.state.SetLastCheckpointID(checkpoint.ID)
	o.callbacks.OnCheckpoint(ctx, &CheckpointEvent{
		RunID:        o.state.ID(),
		CheckpointID: checkpoint.ID,
		Reason:       reason,
		Status:       checkpoint.Status,
	})
	o.logger.Debug("checkpoint saved", "checkpoint_id", checkpoint.ID, "reason", reason)
	return checkpoint.ID
}

// DegradedResumability reports whether a checkpoint write has failed twice,
// meaning the run is ahead of its last durable snapshot.
func (o *Orchestrator) DegradedResumability() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.degraded
}

func (o *Orchestrator) afterRun(ctx context.Context, runErr error) {
	endTime := o.state.EndTime()
	o.callbacks.AfterRun(ctx, &RunEvent{
		RunID:        o.state.ID(),
		DefinitionID: o.state.DefinitionID(),
		Status:       o.state.Status(),
		StartTime:    o.state.StartTime(),
		EndTime:      endTime,
		Duration:     endTime.Sub(o.state.StartTime()),
		TokensUsed:   o.state.TokensUsed(),
		Error:        runErr,
	})
}

func (o *Orchestrator) logStep(ctx context.Context, step *Step, iteration int, result *StepResult, stepErr error, startTime time.Time, duration time.Duration) {
	entry := &StepLogEntry{
		RunID:     o.state.ID(),
		StepID:    step.ID,
		Agent:     step.Agent,
		Action:    step.Action,
		Iteration: iteration,
		Result:    result,
		StartTime: startTime,
		Duration:  duration.Seconds(),
	}
	if stepErr != nil {
		entry.Error = stepErr.Error()
	}
	if err := o.stepLogger.LogStep(ctx, entry); err != nil {
		o.logger.Error("failed to log step execution", "step", step.ID, "error", err)
	}
}
