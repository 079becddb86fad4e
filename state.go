package conductor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new time-ordered identifier for a pipeline run.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the run status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status ends the run. Failed and aborted runs
// can still be brought back to running, but only through an explicit resume.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// validTransitions encodes the one-directional status machine. The resume
// transitions failed->running and aborted->running are intentionally absent:
// they happen only through RunState.markResumed.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusBlocked, StatusCompleted, StatusFailed, StatusAborted},
	StatusBlocked: {StatusRunning, StatusCompleted, StatusFailed, StatusAborted},
}

// RunSnapshot is the fully serializable image of a run, embedded in every
// checkpoint. Round-trip fidelity is required: deserializing a snapshot must
// reproduce a state equivalent in every externally observable field.
type RunSnapshot struct {
	RunID          string               `json:"run_id"`
	DefinitionID   string               `json:"definition_id"`
	Status         Status               `json:"status"`
	CurrentStep    string               `json:"current_step,omitempty"`
	CompletedSteps []string             `json:"completed_steps"`
	Reentered      []string             `json:"reentered,omitempty"`
	Iterations     map[string]int       `json:"iterations,omitempty"`
	SkippedSteps   []string             `json:"skipped_steps,omitempty"`
	GateRetries    map[string]int       `json:"gate_retries,omitempty"`
	Artifacts      map[string]*Artifact `json:"artifacts"`
	TokensUsed     int                  `json:"tokens_used"`
	BlockedOn      []string             `json:"blocked_on,omitempty"`
	Error          string               `json:"error,omitempty"`
	StartTime      time.Time            `json:"start_time,omitzero"`
	EndTime        time.Time            `json:"end_time,omitzero"`
}

// RunState is the single authoritative owner of a run's progress: status,
// step history, the artifacts map, and consumption counters. Exactly one
// orchestrator mutates it; all access is mutex-guarded and all data is
// serializable for checkpointing.
type RunState struct {
	runID          string
	definitionID   string
	status         Status
	currentStep    string
	completedSteps []string
	completedSet   map[string]bool
	iterations     map[string]int
	skippedSteps   map[string]bool
	gateRetries    map[string]int
	artifacts      map[string]*Artifact
	tokensUsed     int
	blockedOn      []string
	err            string
	startTime      time.Time
	endTime        time.Time
	lastCheckpoint string
	mutex          sync.RWMutex
}

// NewRunState creates the state for a fresh run in pending status.
func NewRunState(runID, definitionID string) *RunState {
	return &RunState{
		runID:        runID,
		definitionID: definitionID,
		status:       StatusPending,
		completedSet: map[string]bool{},
		iterations:   map[string]int{},
		skippedSteps: map[string]bool{},
		gateRetries:  map[string]int{},
		artifacts:    map[string]*Artifact{},
	}
}

// ID returns the run ID.
func (s *RunState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.runID
}

// DefinitionID returns the id of the definition this run executes.
func (s *RunState) DefinitionID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.definitionID
}

// Status returns the current run status.
func (s *RunState) Status() Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// SetStatus transitions the run to a new status, enforcing the
// one-directional state machine. Resuming a failed or aborted run must go
// through markResumed instead.
func (s *RunState) SetStatus(status Status) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status == status {
		return nil
	}
	for _, allowed := range validTransitions[s.status] {
		if allowed == status {
			s.status = status
			if status == StatusRunning {
				s.blockedOn = nil
			}
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", s.status, status)
}

// markResumed is the single explicit path from a failed or aborted run back
// to running.
func (s *RunState) markResumed() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.status {
	case StatusFailed, StatusAborted, StatusRunning, StatusBlocked:
		s.status = StatusRunning
		s.err = ""
		s.blockedOn = nil
		s.endTime = time.Time{}
		return nil
	}
	return fmt.Errorf("cannot resume a run in status %s", s.status)
}

// CurrentStep returns the id of the step currently owning the run position.
func (s *RunState) CurrentStep() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.currentStep
}

// SetCurrentStep records the run position.
func (s *RunState) SetCurrentStep(stepID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.currentStep = stepID
}

// CompletedSteps returns the ordered completion history. A step id appears
// more than once only when a gate loop-back re-entered it.
func (s *RunState) CompletedSteps() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.completedSteps...)
}

// Completed reports whether the step has completed at least once.
func (s *RunState) Completed(stepID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.completedSet[stepID]
}

// RecordCompletion appends the step to the completion history and bumps its
// iteration count.
func (s *RunState) RecordCompletion(stepID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.completedSteps = append(s.completedSteps, stepID)
	s.completedSet[stepID] = true
	s.iterations[stepID]++
}

// Reenter removes a step from the completed set (its history entries stay)
// so the resolver will offer it again after a gate loop-back.
func (s *RunState) Reenter(stepID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.completedSet, stepID)
}

// Iterations returns how many times the step has completed.
func (s *RunState) Iterations(stepID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.iterations[stepID]
}

// MarkSkipped records a step as skipped.
func (s *RunState) MarkSkipped(stepID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.skippedSteps[stepID] = true
}

// Skipped reports whether the step was skipped.
func (s *RunState) Skipped(stepID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.skippedSteps[stepID]
}

// SkippedSteps returns the skipped step ids in sorted order.
func (s *RunState) SkippedSteps() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return sortedKeys(s.skippedSteps)
}

// IncGateRetries bumps and returns the loop-back count for a gated step.
func (s *RunState) IncGateRetries(stepID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.gateRetries[stepID]++
	return s.gateRetries[stepID]
}

// ResetGateRetries clears the loop-back count for a gated step.
func (s *RunState) ResetGateRetries(stepID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.gateRetries, stepID)
}

// PutArtifact stores an artifact, returning true if it replaced an existing
// one with the same name.
func (s *RunState) PutArtifact(artifact *Artifact) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, replaced := s.artifacts[artifact.Name]
	s.artifacts[artifact.Name] = artifact.Copy()
	return replaced
}

// Artifact returns an artifact by name.
func (s *RunState) Artifact(name string) (*Artifact, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	artifact, ok := s.artifacts[name]
	if !ok {
		return nil, false
	}
	return artifact.Copy(), true
}

// Artifacts returns a copy of the full artifacts map.
func (s *RunState) Artifacts() map[string]*Artifact {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyArtifacts(s.artifacts)
}

// HasArtifact reports whether the named artifact exists.
func (s *RunState) HasArtifact(name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.artifacts[name]
	return ok
}

// AddTokens adds to the cumulative consumption counter.
func (s *RunState) AddTokens(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tokensUsed += n
}

// TokensUsed returns the cumulative consumption.
func (s *RunState) TokensUsed() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.tokensUsed
}

// SetBlocked records the missing artifact names that prevent progress.
func (s *RunState) SetBlocked(missing []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.blockedOn = append([]string(nil), missing...)
}

// BlockedOn returns the missing artifact names recorded at the last
// blocked transition.
func (s *RunState) BlockedOn() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.blockedOn...)
}

// SetError records a failure, transitioning to failed.
func (s *RunState) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err != nil {
		s.err = err.Error()
		s.status = StatusFailed
	} else {
		s.err = ""
	}
}

// Err returns the recorded run error, if any.
func (s *RunState) Err() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.err == "" {
		return nil
	}
	return errors.New(s.err)
}

// SetTiming updates the run timing.
func (s *RunState) SetTiming(start, end time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.startTime = start
	s.endTime = end
}

// StartTime returns the run start time.
func (s *RunState) StartTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.startTime
}

// EndTime returns the run end time, zero while the run is live.
func (s *RunState) EndTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.endTime
}

// LastCheckpointID returns the id of the most recent persisted checkpoint.
func (s *RunState) LastCheckpointID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastCheckpoint
}

// SetLastCheckpointID records the most recent persisted checkpoint.
func (s *RunState) SetLastCheckpointID(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastCheckpoint = id
}

// Snapshot captures the full serializable image of the run.
func (s *RunState) Snapshot() *RunSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	// Steps present in the history but re-entered via a gate loop-back are
	// pending again; record them so a restored run re-executes them.
	var reentered []string
	historySet := map[string]bool{}
	for _, id := range s.completedSteps {
		historySet[id] = true
	}
	for id := range historySet {
		if !s.completedSet[id] {
			reentered = append(reentered, id)
		}
	}
	sort.Strings(reentered)

	return &RunSnapshot{
		RunID:          s.runID,
		DefinitionID:   s.definitionID,
		Status:         s.status,
		CurrentStep:    s.currentStep,
		CompletedSteps: append([]string(nil), s.completedSteps...),
		Reentered:      reentered,
		Iterations:     copyIntMap(s.iterations),
		SkippedSteps:   sortedKeys(s.skippedSteps),
		GateRetries:    copyIntMap(s.gateRetries),
		Artifacts:      copyArtifacts(s.artifacts),
		TokensUsed:     s.tokensUsed,
		BlockedOn:      append([]string(nil), s.blockedOn...),
		Error:          s.err,
		StartTime:      s.startTime,
		EndTime:        s.endTime,
	}
}

// Restore replaces the state with the contents of a snapshot.
func (s *RunState) Restore(snapshot *RunSnapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.runID = snapshot.RunID
	s.definitionID = snapshot.DefinitionID
	s.status = snapshot.Status
	s.currentStep = snapshot.CurrentStep
	s.completedSteps = append([]string(nil), snapshot.CompletedSteps...)
	s.completedSet = map[string]bool{}
	for _, id := range snapshot.CompletedSteps {
		s.completedSet[id] = true
	}
	for _, id := range snapshot.Reentered {
		delete(s.completedSet, id)
	}
	s.iterations = copyIntMap(snapshot.Iterations)
	if s.iterations == nil {
		s.iterations = map[string]int{}
	}
	s.skippedSteps = map[string]bool{}
	for _, id := range snapshot.SkippedSteps {
		s.skippedSteps[id] = true
	}
	s.gateRetries = copyIntMap(snapshot.GateRetries)
	if s.gateRetries == nil {
		s.gateRetries = map[string]int{}
	}
	s.artifacts = copyArtifacts(snapshot.Artifacts)
	if s.artifacts == nil {
		s.artifacts = map[string]*Artifact{}
	}
	s.tokensUsed = snapshot.TokensUsed
	s.blockedOn = append([]string(nil), snapshot.BlockedOn...)
	s.err = snapshot.Error
	s.startTime = snapshot.StartTime
	s.endTime = snapshot.EndTime
}

func copyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
