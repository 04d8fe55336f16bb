// Package runner launches external pipeline stages as child processes.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/songzhibin97/perf-pipeline/types"
)

// ExitCodeAbnormal is reported when the child did not produce an exit code:
// it timed out, could not be launched, or was canceled.
const ExitCodeAbnormal = -1

// waitDelay bounds how long Run waits for output pipes after the child is killed.
const waitDelay = 5 * time.Second

// Command describes one external stage executable.
type Command struct {
	Path     string   `mapstructure:"path" json:"path"`
	Args     []string `mapstructure:"args" json:"args,omitempty"`
	Env      []string `mapstructure:"env" json:"env,omitempty"`
	Requires []string `mapstructure:"requires" json:"requires,omitempty"`
}

// String renders the command line for logs and messages.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// WithArgs returns a copy of c with extra arguments appended.
func (c Command) WithArgs(args ...string) Command {
	out := c
	out.Args = append(append([]string(nil), c.Args...), args...)
	return out
}

// Check reports whether the executable resolves and every required file
// exists relative to dir.
func (c Command) Check(dir string) error {
	if c.Path == "" {
		return errors.New("no executable configured")
	}
	if strings.ContainsRune(c.Path, filepath.Separator) && !filepath.IsAbs(c.Path) {
		if _, err := exec.LookPath(filepath.Join(dir, c.Path)); err != nil {
			return fmt.Errorf("executable %s: %w", c.Path, err)
		}
	} else if _, err := exec.LookPath(c.Path); err != nil {
		return fmt.Errorf("executable %s: %w", c.Path, err)
	}
	for _, req := range c.Requires {
		p := req
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("required file %s: %w", req, err)
		}
	}
	return nil
}

// Runner executes commands in a fixed working directory.
type Runner struct {
	// Dir is the working directory of every child; empty means the current directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// LiveWriter, when set, receives stdout and stderr as they are produced.
	LiveWriter io.Writer
	Logger     *slog.Logger
	Now        func() time.Time
}

// New returns a Runner rooted at dir.
func New(dir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Dir: dir, Logger: logger, Now: time.Now}
}

// Run starts cmd and blocks until it exits, timeout elapses or ctx is done.
// It never returns an error; every failure is folded into the StageResult.
// A zero timeout means no limit beyond ctx.
func (r *Runner) Run(ctx context.Context, cmd Command, timeout time.Duration) types.StageResult {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = r.Dir
	env := append(os.Environ(), "PYTHONUNBUFFERED=1")
	env = append(env, r.Env...)
	c.Env = append(env, cmd.Env...)
	c.Stdout, c.Stderr = &stdout, &stderr
	if r.LiveWriter != nil {
		c.Stdout = io.MultiWriter(&stdout, r.LiveWriter)
		c.Stderr = io.MultiWriter(&stderr, r.LiveWriter)
	}
	configureCommandProcess(c)
	c.Cancel = func() error {
		terminateCommandProcess(c)
		return nil
	}
	c.WaitDelay = waitDelay

	logger.Debug("stage process starting",
		slog.String("command", cmd.String()),
		slog.String("dir", r.Dir),
		slog.Duration("timeout", timeout),
	)

	start := now()
	err := c.Run()
	result := types.StageResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: now().Sub(start),
	}

	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
	case ctx.Err() != nil:
		result.ExitCode = ExitCodeAbnormal
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("stage canceled: %v", context.Cause(ctx)))
	case timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = ExitCodeAbnormal
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("stage timed out after %s", timeout))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if result.ExitCode == ExitCodeAbnormal && result.Stderr == "" {
				result.Stderr = exitErr.Error()
			}
		} else {
			result.ExitCode = ExitCodeAbnormal
			result.Stderr = appendLine(result.Stderr, err.Error())
		}
	}

	logger.Debug("stage process finished",
		slog.String("command", cmd.String()),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("elapsed", result.Duration),
	)
	return result
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}
