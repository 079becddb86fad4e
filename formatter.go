package conductor

import (
	"fmt"

	"github.com/fatih/color"
)

// Formatter is the interface for pretty step-by-step output.
type Formatter interface {
	PrintStepStart(stepID string, agentName string)
	PrintStepResult(stepID string, result *StepResult)
	PrintStepError(stepID string, err error)
}

// ConsoleFormatter prints colorized step progress to stdout.
type ConsoleFormatter struct{}

func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{}
}

func (f *ConsoleFormatter) PrintStepStart(stepID string, agentName string) {
	color.Cyan("▸ %s (%s)", stepID, agentName)
}

func (f *ConsoleFormatter) PrintStepResult(stepID string, result *StepResult) {
	line := fmt.Sprintf("✓ %s", stepID)
	if len(result.Artifacts) > 0 {
		line += fmt.Sprintf(": %d artifact(s)", len(result.Artifacts))
	}
	if result.TokensUsed > 0 {
		line += fmt.Sprintf(", %d tokens", result.TokensUsed)
	}
	color.Green("%s", line)
}

func (f *ConsoleFormatter) PrintStepError(stepID string, err error) {
	color.Red("✗ %s: %v", stepID, err)
}
