package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmill/conductor"
	"github.com/agentmill/conductor/agents"
	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "resume":
		resumeCommand(os.Args[2:])
	case "list":
		listCommand(os.Args[2:])
	case "history":
		historyCommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		color.Red("Error: unknown command %q", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `conductor - agent pipeline orchestration

Usage:
  conductor run -file <pipeline.yaml> [options]
  conductor resume -file <pipeline.yaml> -checkpoint <id> [options]
  conductor list [options]
  conductor history -run <id> [options]

Examples:
  # Run a pipeline with a token budget and checkpointing
  conductor run -file review.yaml -budget 100000 -data ./runs

  # Seed an artifact and run
  conductor run -file review.yaml -artifact requirements=./reqs.md

  # Resume a failed run from its checkpoint
  conductor resume -file review.yaml -checkpoint ckpt_01h455vb4pex5vsknk084sn02q

  # List known runs
  conductor list -data ./runs
`)
}

type cliOptions struct {
	configFile   string
	pipelineFile string
	checkpointID string
	runID        string
	dataDir      string
	logsDir      string
	postgresDSN  string
	budget       int
	timeout      time.Duration
	artifacts    stringSlice
	verbose      bool
	jsonOutput   bool
}

func commonFlags(fs *flag.FlagSet, opts *cliOptions) {
	fs.StringVar(&opts.configFile, "config", "", "Path to a YAML config file (optional)")
	fs.StringVar(&opts.dataDir, "data", "", "Directory for run checkpoints (default ~/.conductor/runs)")
	fs.StringVar(&opts.logsDir, "logs", "", "Directory for step execution logs (optional)")
	fs.StringVar(&opts.postgresDSN, "postgres", "", "Postgres DSN for checkpoint storage (overrides -data)")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.verbose, "v", false, "Enable verbose logging (shorthand)")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Output results in JSON format")
}

func runCommand(args []string) {
	var opts cliOptions
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	commonFlags(fs, &opts)
	fs.StringVar(&opts.pipelineFile, "file", "", "Path to the YAML pipeline definition (required)")
	fs.StringVar(&opts.pipelineFile, "f", "", "Path to the YAML pipeline definition (shorthand)")
	fs.IntVar(&opts.budget, "budget", 0, "Total token budget (0 disables tracking)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Run timeout (e.g. 30s, 5m)")
	fs.Var(&opts.artifacts, "artifact", "Seed artifact in name=ref format (repeatable)")
	fs.Parse(args)

	cfg := loadConfig(&opts)
	def := loadDefinition(opts.pipelineFile)

	seeds := map[string]string{}
	for _, pair := range opts.artifacts {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			color.Red("Error: invalid artifact %q, use name=ref", pair)
			os.Exit(1)
		}
		seeds[parts[0]] = parts[1]
	}

	orchestrator := buildOrchestrator(cfg, def, seeds, "")

	ctx := context.Background()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	color.Green("Starting run %s", orchestrator.ID())
	err := orchestrator.Run(ctx)
	showResult(orchestrator, err, opts.jsonOutput)
}

func resumeCommand(args []string) {
	var opts cliOptions
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	commonFlags(fs, &opts)
	fs.StringVar(&opts.pipelineFile, "file", "", "Path to the YAML pipeline definition (required)")
	fs.StringVar(&opts.pipelineFile, "f", "", "Path to the YAML pipeline definition (shorthand)")
	fs.StringVar(&opts.checkpointID, "checkpoint", "", "Checkpoint id to resume from")
	fs.StringVar(&opts.runID, "run", "", "Run id to resume from its latest checkpoint")
	fs.IntVar(&opts.budget, "budget", 0, "Total token budget (0 disables tracking)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Run timeout (e.g. 30s, 5m)")
	fs.Var(&opts.artifacts, "artifact", "Seed artifact in name=ref format (repeatable)")
	fs.Parse(args)

	if opts.checkpointID == "" && opts.runID == "" {
		color.Red("Error: -checkpoint or -run is required")
		os.Exit(1)
	}

	seeds := map[string]string{}
	for _, pair := range opts.artifacts {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			color.Red("Error: invalid artifact %q, use name=ref", pair)
			os.Exit(1)
		}
		seeds[parts[0]] = parts[1]
	}

	cfg := loadConfig(&opts)
	def := loadDefinition(opts.pipelineFile)
	orchestrator := buildOrchestrator(cfg, def, seeds, opts.runID)

	ctx := context.Background()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var err error
	if opts.checkpointID != "" {
		color.Green("Resuming from checkpoint %s", opts.checkpointID)
		err = orchestrator.Resume(ctx, opts.checkpointID)
	} else {
		color.Green("Resuming run %s from its latest checkpoint", opts.runID)
		err = orchestrator.ResumeLatest(ctx)
	}
	showResult(orchestrator, err, opts.jsonOutput)
}

func listCommand(args []string) {
	var opts cliOptions
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	commonFlags(fs, &opts)
	fs.Parse(args)

	cfg := loadConfig(&opts)
	checkpointer := buildCheckpointer(cfg)

	summaries, err := conductor.ListRuns(context.Background(), checkpointer)
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if len(summaries) == 0 {
		color.Blue("No runs found")
		return
	}

	if opts.jsonOutput {
		printJSON(summaries)
		return
	}
	for _, summary := range summaries {
		line := fmt.Sprintf("%s  %-10s  %-20s  last checkpoint %s",
			summary.RunID, summary.Status, summary.DefinitionID,
			summary.LastCheckpointAt.Local().Format(time.RFC3339))
		switch summary.Status {
		case conductor.StatusCompleted:
			color.Green("%s", line)
		case conductor.StatusFailed, conductor.StatusAborted:
			color.Red("%s", line)
		default:
			color.Yellow("%s", line)
		}
	}
}

func historyCommand(args []string) {
	var opts cliOptions
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	commonFlags(fs, &opts)
	fs.StringVar(&opts.runID, "run", "", "Run id (required)")
	fs.Parse(args)

	if opts.runID == "" {
		color.Red("Error: -run is required")
		os.Exit(1)
	}

	cfg := loadConfig(&opts)
	if cfg.LogsDir == "" {
		color.Red("Error: no logs directory configured (-logs)")
		os.Exit(1)
	}

	stepLogger := conductor.NewFileStepLogger(cfg.LogsDir)
	entries, err := stepLogger.StepHistory(context.Background(), opts.runID)
	if err != nil {
		log.Fatalf("Failed to read step history: %v", err)
	}
	if opts.jsonOutput {
		printJSON(entries)
		return
	}
	for _, entry := range entries {
		status := "ok"
		if entry.Error != "" {
			status = "error: " + entry.Error
		}
		fmt.Printf("%s  #%d %s (%s) %.2fs  %s\n",
			entry.StartTime.Format(time.RFC3339), entry.Iteration, entry.StepID, entry.Agent, entry.Duration, status)
	}
}

func loadConfig(opts *cliOptions) *conductor.Config {
	cfg, err := conductor.LoadConfig(opts.configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logsDir != "" {
		cfg.LogsDir = opts.logsDir
	}
	if opts.postgresDSN != "" {
		cfg.PostgresDSN = opts.postgresDSN
	}
	if opts.budget > 0 {
		cfg.Budget.Total = opts.budget
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	return cfg
}

func loadDefinition(path string) *conductor.Definition {
	if path == "" {
		color.Red("Error: pipeline file is required")
		os.Exit(1)
	}
	def, err := conductor.LoadFile(path)
	if err != nil {
		log.Fatalf("Failed to load pipeline: %v", err)
	}
	color.Cyan("Pipeline: %s (%d steps)", def.ID, len(def.Steps))
	return def
}

func buildCheckpointer(cfg *conductor.Config) conductor.Checkpointer {
	if cfg.PostgresDSN != "" {
		checkpointer, err := conductor.OpenPostgresCheckpointer(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		return checkpointer
	}
	checkpointer, err := conductor.NewFileCheckpointer(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to create checkpointer: %v", err)
	}
	return checkpointer
}

func buildOrchestrator(cfg *conductor.Config, def *conductor.Definition, seeds map[string]string, runID string) *conductor.Orchestrator {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	var logger *slog.Logger
	if cfg.JSONLogs {
		logger = conductor.NewJSONLogger(level)
	} else {
		logger = conductor.NewLogger(level)
	}

	var stepLogger conductor.StepLogger = conductor.NewNullStepLogger()
	if cfg.LogsDir != "" {
		stepLogger = conductor.NewFileStepLogger(cfg.LogsDir)
	}

	counter := conductor.NewTokenCounter("")
	workDir := filepath.Join(os.TempDir(), "conductor-artifacts")
	registry := []conductor.Agent{
		agents.NewCommandAgent(agents.CommandAgentOptions{WorkDir: workDir, Counter: counter}),
		agents.NewTemplateAgent(agents.TemplateAgentOptions{WorkDir: workDir, Counter: counter}),
		agents.NewStaticAgent("static", nil),
	}

	orchestrator, err := conductor.NewOrchestrator(conductor.OrchestratorOptions{
		Definition:    def,
		Agents:        registry,
		SeedArtifacts: seeds,
		Checkpointer:  buildCheckpointer(cfg),
		StepLogger:    stepLogger,
		Logger:        logger,
		Formatter:     conductor.NewConsoleFormatter(),
		Budget:        cfg.Budget,
		RunID:         runID,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	return orchestrator
}

func showResult(orchestrator *conductor.Orchestrator, err error, jsonOutput bool) {
	summary := orchestrator.Status()

	if jsonOutput {
		printJSON(summary)
		if err != nil && summary.Status != conductor.StatusCompleted {
			os.Exit(1)
		}
		return
	}

	duration := summary.EndTime.Sub(summary.StartTime)
	color.White("Status: %s", summary.Status)
	if !summary.EndTime.IsZero() {
		color.White("Duration: %v", duration.Round(time.Millisecond))
	}
	if summary.TokensUsed > 0 {
		color.White("Tokens used: %d", summary.TokensUsed)
	}
	if summary.LastCheckpointID != "" {
		color.White("Last checkpoint: %s", summary.LastCheckpointID)
	}

	switch {
	case err == nil:
		color.Green("Run completed: %d step(s)", len(summary.CompletedSteps))
	case conductor.IsBlocked(err):
		color.Yellow("Run blocked, missing artifacts: %s", strings.Join(conductor.MissingArtifacts(err), ", "))
		color.Yellow("Seed the missing artifacts and resume from checkpoint %s", summary.LastCheckpointID)
	default:
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to format output: %v", err)
	}
	fmt.Println(string(data))
}

type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
