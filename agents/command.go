package agents

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmill/conductor"
	"github.com/google/uuid"
)

// CommandAgent executes a shell command per step and stores its stdout as
// the step's declared artifacts. The command comes from the step's
// "command" parameter; required artifact refs are exported to it through
// the environment as ARTIFACT_<NAME>.
type CommandAgent struct {
	name        string
	workDir     string
	counter     *conductor.TokenCounter
	stepTimeout time.Duration
}

// CommandAgentOptions configures a CommandAgent.
type CommandAgentOptions struct {
	// Name is the capability identifier. Defaults to "command".
	Name string

	// WorkDir is where artifact content files are written. Defaults to the
	// OS temp directory.
	WorkDir string

	// Counter estimates token consumption from command output. Optional.
	Counter *conductor.TokenCounter

	// StepTimeout bounds each command execution. Zero means no bound
	// beyond the caller's context.
	StepTimeout time.Duration
}

// NewCommandAgent creates a shell-command agent.
func NewCommandAgent(opts CommandAgentOptions) *CommandAgent {
	if opts.Name == "" {
		opts.Name = "command"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &CommandAgent{
		name:        opts.Name,
		workDir:     opts.WorkDir,
		counter:     opts.Counter,
		stepTimeout: opts.StepTimeout,
	}
}

func (a *CommandAgent) Name() string {
	return a.name
}

func (a *CommandAgent) Execute(ctx context.Context, step *conductor.Step, artifacts map[string]*conductor.Artifact) (*conductor.StepResult, error) {
	command, _ := step.Params["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("step %q has no command parameter", step.ID)
	}

	if a.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.stepTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = os.Environ()
	for name, artifact := range artifacts {
		cmd.Env = append(cmd.Env, fmt.Sprintf("ARTIFACT_%s=%s", envName(name), artifact.Ref))
	}

	stdout, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &conductor.StepResult{
				Status:  conductor.ResultError,
				Message: fmt.Sprintf("command exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr))),
			}, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}

	output := strings.TrimSpace(string(stdout))
	produced := make(map[string]string, len(step.Creates))
	for _, name := range step.Creates {
		ref, err := a.writeArtifact(name, output)
		if err != nil {
			return nil, err
		}
		produced[name] = ref
	}

	result := &conductor.StepResult{
		Status:    conductor.ResultOK,
		Artifacts: produced,
	}
	if a.counter != nil {
		result.TokensUsed = a.counter.Count(output)
	}
	return result, nil
}

// writeArtifact stores content under a collision-free file name and returns
// the path as the artifact ref.
func (a *CommandAgent) writeArtifact(name, content string) (string, error) {
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(a.workDir, fmt.Sprintf("%s-%s.txt", name, uuid.NewString()))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact %q: %w", name, err)
	}
	return path, nil
}

func envName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}
