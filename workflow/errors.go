package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/perf-pipeline/types"
)

// Standard error definitions
var (
	ErrModuleUnavailable = errors.New("required pipeline modules are unavailable")
	ErrTaskPatch         = errors.New("failed to update task file")
	ErrSubprocessTimeout = errors.New("stage process timed out")
	ErrSubprocessFailure = errors.New("stage process failed")
	ErrNoArtifacts       = errors.New("no artifacts found")
	ErrValidation        = errors.New("validation failed")
	ErrQualityGate       = errors.New("quality gate not met")
	ErrEmptyStory        = errors.New("user story is empty")
	ErrNoURL             = errors.New("user story has no URL")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowActive    = errors.New("workflow is still running")
	ErrEngineStopped     = errors.New("engine stopped")
)

// URLPrompt is the message callers show when a story is rejected with ErrNoURL.
const URLPrompt = "Please provide a user story with a URL (e.g. 'Test login functionality for https://example.com')"

// ProcessError reports a stage process that exited abnormally. It unwraps
// to ErrSubprocessTimeout or ErrSubprocessFailure.
type ProcessError struct {
	Command string
	Result  types.StageResult
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%v (exit code %d): %s", e.Unwrap(), e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

func (e *ProcessError) Unwrap() error {
	if e.Result.TimedOut {
		return ErrSubprocessTimeout
	}
	return ErrSubprocessFailure
}
