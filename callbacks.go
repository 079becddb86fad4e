package conductor

import (
	"context"
	"time"
)

// RunCallbacks is the hook interface for run lifecycle events.
type RunCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)

	// OnCheckpoint fires after a checkpoint is durably persisted.
	OnCheckpoint(ctx context.Context, event *CheckpointEvent)
}

// RunEvent provides context for run-level events.
type RunEvent struct {
	RunID        string
	DefinitionID string
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	TokensUsed   int
	Error        error
}

// StepEvent provides context for step-level events.
type StepEvent struct {
	RunID     string
	StepID    string
	Agent     string
	Action    string
	Iteration int
	Result    *StepResult
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// CheckpointEvent provides context for checkpoint events.
type CheckpointEvent struct {
	RunID        string
	CheckpointID string
	Reason       CheckpointReason
	Status       Status
}

// BaseRunCallbacks is a no-op implementation. Embed it to implement only the
// hooks you care about.
type BaseRunCallbacks struct{}

func (b *BaseRunCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseRunCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseRunCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (b *BaseRunCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (b *BaseRunCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	// noop
}

// CallbackChain fans events out to multiple callback implementations in
// order.
type CallbackChain struct {
	callbacks []RunCallbacks
}

// NewCallbackChain creates a chain over the given callbacks.
func NewCallbackChain(callbacks ...RunCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback RunCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	for _, callback := range c.callbacks {
		callback.OnCheckpoint(ctx, event)
	}
}
