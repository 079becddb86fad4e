package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepLogEntry records one step execution for audit and diagnosis.
type StepLogEntry struct {
	RunID     string      `json:"run_id"`
	StepID    string      `json:"step_id"`
	Agent     string      `json:"agent"`
	Action    string      `json:"action,omitempty"`
	Iteration int         `json:"iteration"`
	Result    *StepResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time"`
	Duration  float64     `json:"duration"`
}

// StepLogger records step executions.
type StepLogger interface {
	// LogStep logs a completed step execution.
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// StepHistory retrieves the step log for a run.
	StepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error)
}

// FileStepLogger logs step executions to one newline-delimited JSON file per
// run.
type FileStepLogger struct {
	directory string
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (l *FileStepLogger) StepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) StepHistory(ctx context.Context, runID string) ([]*StepLogEntry, error) {
	return nil, nil
}
