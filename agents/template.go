package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentmill/conductor"
	"github.com/agentmill/conductor/template"
	"github.com/google/uuid"
)

// TemplateAgent renders the step's "template" parameter against the step
// parameters and required artifact refs, then stores the rendered text as
// the step's declared artifacts. Templates use ${...} expressions:
//
//	template: "Review the plan at ${artifacts.plan} for ${params.audience}"
type TemplateAgent struct {
	name     string
	workDir  string
	compiler template.Compiler
	counter  *conductor.TokenCounter
}

// TemplateAgentOptions configures a TemplateAgent.
type TemplateAgentOptions struct {
	// Name is the capability identifier. Defaults to "template".
	Name string

	// WorkDir is where rendered artifact files are written. Defaults to
	// the OS temp directory.
	WorkDir string

	// Compiler compiles template expressions. Defaults to a Risor compiler
	// with the standard globals.
	Compiler template.Compiler

	// Counter estimates token consumption of rendered output. Optional.
	Counter *conductor.TokenCounter
}

// NewTemplateAgent creates a template-rendering agent.
func NewTemplateAgent(opts TemplateAgentOptions) *TemplateAgent {
	if opts.Name == "" {
		opts.Name = "template"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Compiler == nil {
		opts.Compiler = template.NewRisorCompiler(template.DefaultGlobals())
	}
	return &TemplateAgent{
		name:     opts.Name,
		workDir:  opts.WorkDir,
		compiler: opts.Compiler,
		counter:  opts.Counter,
	}
}

func (a *TemplateAgent) Name() string {
	return a.name
}

func (a *TemplateAgent) Execute(ctx context.Context, step *conductor.Step, artifacts map[string]*conductor.Artifact) (*conductor.StepResult, error) {
	source, _ := step.Params["template"].(string)
	if source == "" {
		return nil, fmt.Errorf("step %q has no template parameter", step.ID)
	}

	refs := make(map[string]any, len(artifacts))
	for name, artifact := range artifacts {
		refs[name] = artifact.Ref
	}
	rendered, err := template.Render(ctx, a.compiler, source, map[string]any{
		"artifacts": refs,
		"params":    step.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.ID, err)
	}

	produced := make(map[string]string, len(step.Creates))
	for _, name := range step.Creates {
		ref, err := a.writeRendered(name, rendered)
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
		result.TokensUsed = a.counter.Count(rendered)
	}
	return result, nil
}

func (a *TemplateAgent) writeRendered(name, content string) (string, error) {
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(a.workDir, fmt.Sprintf("%s-%s.txt", name, uuid.NewString()))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact %q: %w", name, err)
	}
	return path, nil
}
