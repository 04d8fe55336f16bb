package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/songzhibin97/perf-pipeline/rules"
	"github.com/songzhibin97/perf-pipeline/taskspec"
	"github.com/songzhibin97/perf-pipeline/types"
)

// Step labels in pipeline order.
const (
	StepAnalysis   = "Planner Analysis"
	StepCapture    = "Network Logging"
	StepTestSteps  = "Test Steps Generation"
	StepScripts    = "Script Creation"
	StepValidation = "Script Validation"
)

// Result keys recorded by the stages.
const (
	ResultAnalysis       = "analysis"
	ResultNetworkLogging = "network_logging"
	ResultTestSteps      = "test_steps"
	ResultTestStepsFiles = "test_steps_files"
	ResultTestStepsScan  = "test_steps_scan"
	ResultScripts        = "script_generation"
	ResultScriptFiles    = "script_files"
	ResultValidation     = "validation"
)

// Stage is one step of the pipeline.
type Stage interface {
	// Name is the step label.
	Name() string
	// Pending is the progress message shown while the stage runs.
	Pending() string
	// Execute performs the stage and returns the completion message.
	// Results are staged on r and only kept if Execute succeeds.
	Execute(ctx context.Context, r *Run) (string, error)
}

// Run is the view of a workflow handed to a running stage.
type Run struct {
	WorkflowID string
	Story      string
	TargetURL  string

	prior  map[string]interface{}
	staged map[string]interface{}
}

func newRun(wf types.Workflow) *Run {
	return &Run{
		WorkflowID: wf.ID,
		Story:      wf.Story,
		TargetURL:  wf.TargetURL,
		prior:      wf.Clone().Results,
		staged:     make(map[string]interface{}),
	}
}

// Set stages a result under key.
func (r *Run) Set(key string, value interface{}) {
	r.staged[key] = value
}

// Result returns a result staged by this stage or recorded by an earlier one.
func (r *Run) Result(key string) (interface{}, bool) {
	if v, ok := r.staged[key]; ok {
		return v, true
	}
	v, ok := r.prior[key]
	return v, ok
}

// Analysis is a workflow's planning output.
type Analysis struct {
	TargetURL string   `json:"target_url"`
	Story     string   `json:"story"`
	Plan      []string `json:"plan"`
}

var executionPlan = []string{
	"Network traffic capture and analysis",
	"Test steps generation with correlation",
	"Load-test script creation",
	"Validation and quality assurance",
}

type analysisStage struct {
	defaultURL string
}

func (s analysisStage) Name() string    { return StepAnalysis }
func (s analysisStage) Pending() string { return "Analyzing user story and planning automation sequence..." }

func (s analysisStage) Execute(_ context.Context, r *Run) (string, error) {
	r.TargetURL = taskspec.ExtractURL(r.Story, s.defaultURL)
	r.Set(ResultAnalysis, Analysis{
		TargetURL: r.TargetURL,
		Story:     r.Story,
		Plan:      append([]string(nil), executionPlan...),
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Analysis complete.\nTarget URL: %s\nUser story: %s\nExecution sequence:\n", r.TargetURL, r.Story)
	for i, step := range executionPlan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

type captureStage struct {
	tasks  TaskWriter
	runner ProcessRunner
	cmd    StageCommand
}

func (s captureStage) Name() string    { return StepCapture }
func (s captureStage) Pending() string { return "Executing network traffic capture..." }

func (s captureStage) Execute(ctx context.Context, r *Run) (string, error) {
	if _, err := s.tasks.Write(r.Story); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTaskPatch, err)
	}

	res := s.runner.Run(ctx, s.cmd.Command, s.cmd.Timeout)
	if !res.Success {
		return "", &ProcessError{Command: s.cmd.Command.String(), Result: res}
	}
	r.Set(ResultNetworkLogging, res)
	return fmt.Sprintf("Network logging complete.\nTarget URL: %s\nNetwork traffic captured successfully.", r.TargetURL), nil
}

type testStepsStage struct {
	scanner  ArtifactScanner
	runner   ProcessRunner
	cmd      StageCommand
	dir      string
	expected []string
}

func (s testStepsStage) Name() string    { return StepTestSteps }
func (s testStepsStage) Pending() string { return "Generating test steps with correlation mapping..." }

func (s testStepsStage) Execute(ctx context.Context, r *Run) (string, error) {
	if err := s.scanner.Prepare(s.dir); err != nil {
		return "", fmt.Errorf("prepare %s: %w", s.dir, err)
	}

	res := s.runner.Run(ctx, s.cmd.Command, s.cmd.Timeout)
	if !res.Success {
		return "", &ProcessError{Command: s.cmd.Command.String(), Result: res}
	}

	scan := s.scanner.Scan(s.dir, s.expected)
	files := scan.Files()
	r.Set(ResultTestSteps, res)
	r.Set(ResultTestStepsFiles, files)
	r.Set(ResultTestStepsScan, scan)

	var b strings.Builder
	fmt.Fprintf(&b, "Test steps generation complete.\nFiles created: %d\nOutput directory: %s\n", len(files), s.dir)
	if len(files) == 0 {
		fmt.Fprintf(&b, "No files detected, check %s output", s.cmd.Command)
	} else {
		b.WriteString("Created files:")
		for _, f := range files {
			fmt.Fprintf(&b, "\n- %s", filepath.ToSlash(f))
		}
	}
	return b.String(), nil
}

type scriptsStage struct {
	scanner ArtifactScanner
	runner  ProcessRunner
	cmd     StageCommand
	dir     string
	ext     string
}

func (s scriptsStage) Name() string    { return StepScripts }
func (s scriptsStage) Pending() string { return "Creating load-test scripts..." }

func (s scriptsStage) Execute(ctx context.Context, r *Run) (string, error) {
	if err := s.scanner.Prepare(s.dir); err != nil {
		return "", fmt.Errorf("prepare %s: %w", s.dir, err)
	}

	res := s.runner.Run(ctx, s.cmd.Command, s.cmd.Timeout)
	if !res.Success {
		return "", &ProcessError{Command: s.cmd.Command.String(), Result: res}
	}

	files := s.scanner.Collect(s.dir, s.ext)
	r.Set(ResultScripts, res)
	r.Set(ResultScriptFiles, files)
	return fmt.Sprintf("Script creation complete.\n%s files created: %d", s.ext, len(files)), nil
}

type validationStage struct {
	validator ScriptValidator
	gate      *rules.Gate
	enforce   bool
	ext       string
}

func (s validationStage) Name() string    { return StepValidation }
func (s validationStage) Pending() string { return "Validating scripts and performing quality checks..." }

func (s validationStage) Execute(ctx context.Context, r *Run) (string, error) {
	v, _ := r.Result(ResultScriptFiles)
	files, _ := v.([]string)
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no %s files to validate", ErrNoArtifacts, s.ext)
	}

	summary, err := s.validator.Validate(ctx, files)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	passed := true
	if s.gate != nil {
		if passed, err = s.gate.Check(summary); err != nil {
			return "", fmt.Errorf("%w: quality gate: %w", ErrValidation, err)
		}
	}
	summary.Verdict = types.VerdictNeedsReview
	if passed {
		summary.Verdict = types.VerdictReady
	}
	tally := fmt.Sprintf("passed %d, warnings %d, failed %d", summary.Passed, summary.Warning, summary.Failed)
	if !passed && s.enforce {
		return "", fmt.Errorf("%w (%s): %s", ErrQualityGate, s.gate.Expression(), tally)
	}

	r.Set(ResultValidation, summary)
	msg := fmt.Sprintf("Validation complete.\nPassed: %d\nWarnings: %d\nFailed: %d", summary.Passed, summary.Warning, summary.Failed)
	if passed {
		return msg + "\nPerformance test ready.", nil
	}
	return msg + "\nScripts need review before execution.", nil
}
