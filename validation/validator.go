// Package validation checks generated load-test scripts and tallies the
// outcome into a single verdict.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/songzhibin97/perf-pipeline/types"
)

// ErrUnavailable is returned by a validator that cannot run at all.
var ErrUnavailable = errors.New("validator unavailable")

// Validator checks one script and persists its report.
type Validator interface {
	Validate(ctx context.Context, path string) (types.ValidationReport, error)
	WriteReport(ctx context.Context, report types.ValidationReport, path string) error
}

// Checker is implemented by collaborators that can report up front
// whether they are usable.
type Checker interface {
	Check() error
}

// Unavailable is the validator used when no real one could be configured.
// Every call fails with ErrUnavailable.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

// Check implements Checker.
func (u Unavailable) Check() error { return u.err() }

// Validate implements Validator.
func (u Unavailable) Validate(context.Context, string) (types.ValidationReport, error) {
	return types.ValidationReport{}, u.err()
}

// WriteReport implements Validator.
func (u Unavailable) WriteReport(context.Context, types.ValidationReport, string) error {
	return u.err()
}

// writeReport stores report as indented JSON at path, creating parent
// directories as needed.
func writeReport(ctx context.Context, fs afero.Fs, report types.ValidationReport, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report for %s: %w", report.File, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := afero.WriteFile(fs, path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
