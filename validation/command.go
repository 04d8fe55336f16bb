package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/songzhibin97/perf-pipeline/runner"
	"github.com/songzhibin97/perf-pipeline/types"
)

// ProcessRunner runs an external command to completion.
type ProcessRunner interface {
	Run(ctx context.Context, cmd runner.Command, timeout time.Duration) types.StageResult
}

// CommandValidator delegates validation to an external executable. The
// script path is appended to the command line and the executable must
// print a JSON report with at least an "overall_status" field on stdout.
type CommandValidator struct {
	cmd     runner.Command
	timeout time.Duration
	dir     string
	runner  ProcessRunner
	fs      afero.Fs
	now     func() time.Time
}

// NewCommandValidator returns a validator running cmd in dir through r.
// Reports are written to fs.
func NewCommandValidator(cmd runner.Command, timeout time.Duration, dir string, r ProcessRunner, fs afero.Fs) *CommandValidator {
	return &CommandValidator{cmd: cmd, timeout: timeout, dir: dir, runner: r, fs: fs, now: time.Now}
}

// Check implements Checker.
func (v *CommandValidator) Check() error {
	if err := v.cmd.Check(v.dir); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Validate implements Validator.
func (v *CommandValidator) Validate(ctx context.Context, path string) (types.ValidationReport, error) {
	res := v.runner.Run(ctx, v.cmd.WithArgs(path), v.timeout)
	if !res.Success {
		return types.ValidationReport{}, fmt.Errorf("validator %s exited with code %d: %s",
			v.cmd.Path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var report types.ValidationReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		return types.ValidationReport{}, fmt.Errorf("parse validator output for %s: %w", path, err)
	}
	if report.File == "" {
		report.File = path
	}
	if report.ValidatedAt.IsZero() {
		report.ValidatedAt = v.now()
	}
	return report, nil
}

// WriteReport implements Validator.
func (v *CommandValidator) WriteReport(ctx context.Context, report types.ValidationReport, path string) error {
	return writeReport(ctx, v.fs, report, path)
}
