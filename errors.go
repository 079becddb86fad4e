package conductor

import (
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching.
const (
	// ErrTypeValidation indicates a malformed or inconsistent definition.
	// Fatal at load time; the pipeline never starts.
	ErrTypeValidation = "validation"

	// ErrTypeBlocked is the soft error raised when no step is runnable but
	// the pipeline is incomplete. The Details field carries the missing
	// artifact names.
	ErrTypeBlocked = "blocked"

	// ErrTypeStepFailed indicates an agent raised or returned an error
	// status. The run transitions to failed with current_step preserved.
	ErrTypeStepFailed = "step_failed"

	// ErrTypeGate indicates a malformed gate condition or an evaluation
	// failure (e.g. a missing scoring field). Gates never silently pass
	// or fail.
	ErrTypeGate = "gate"

	// ErrTypeStateCorruption indicates a checkpoint failed its schema or
	// checksum validation on load. Resume is refused.
	ErrTypeStateCorruption = "state_corruption"
)

// PipelineError is a structured error with a classification type. It
// supports Go's error wrapping via Unwrap.
type PipelineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Wrapped
}

// NewValidationError returns a load-time validation error.
func NewValidationError(format string, args ...any) *PipelineError {
	return &PipelineError{Type: ErrTypeValidation, Cause: fmt.Sprintf(format, args...)}
}

// NewBlockedError returns the soft error carrying the missing artifact
// names that prevent any step from running.
func NewBlockedError(missing []string) *PipelineError {
	return &PipelineError{
		Type:    ErrTypeBlocked,
		Cause:   fmt.Sprintf("no runnable step, missing artifacts: %s", strings.Join(missing, ", ")),
		Details: missing,
	}
}

// NewStepFailedError returns an error describing a failed step execution.
func NewStepFailedError(stepID string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrTypeStepFailed,
		Cause:   fmt.Sprintf("step %q failed: %v", stepID, cause),
		Details: stepID,
		Wrapped: cause,
	}
}

// NewGateError returns a gate parse or evaluation error.
func NewGateError(format string, args ...any) *PipelineError {
	return &PipelineError{Type: ErrTypeGate, Cause: fmt.Sprintf(format, args...)}
}

// NewStateCorruptionError returns an error for a checkpoint that failed
// schema or checksum validation.
func NewStateCorruptionError(format string, args ...any) *PipelineError {
	return &PipelineError{Type: ErrTypeStateCorruption, Cause: fmt.Sprintf(format, args...)}
}

// HasType reports whether err (or anything it wraps) is a PipelineError of
// the given type.
func HasType(err error, errType string) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Type == errType
	}
	return false
}

// IsBlocked reports whether err represents a blocked (non-fatal) pipeline.
func IsBlocked(err error) bool {
	return HasType(err, ErrTypeBlocked)
}

// MissingArtifacts extracts the missing artifact names from a blocked
// error, if any.
func MissingArtifacts(err error) []string {
	var perr *PipelineError
	if errors.As(err, &perr) && perr.Type == ErrTypeBlocked {
		if missing, ok := perr.Details.([]string); ok {
			return missing
		}
	}
	return nil
}
