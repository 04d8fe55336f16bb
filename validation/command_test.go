package validation

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/perf-pipeline/runner"
	"github.com/songzhibin97/perf-pipeline/types"
)

type fakeRunner struct {
	result types.StageResult
	got    runner.Command
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Command, _ time.Duration) types.StageResult {
	f.got = cmd
	return f.result
}

func TestCommandValidator(t *testing.T) {
	cmd := runner.Command{Path: "python3", Args: []string{"validation.py"}}

	t.Run("parses report", func(t *testing.T) {
		r := &fakeRunner{result: types.StageResult{
			Success: true,
			Stdout:  `{"overall_status":"warning","checks":[{"name":"timer","status":"warning"}]}`,
		}}
		v := NewCommandValidator(cmd, time.Minute, ".", r, afero.NewMemMapFs())

		report, err := v.Validate(context.Background(), "out/a.jmx")
		require.NoError(t, err)
		assert.Equal(t, []string{"validation.py", "out/a.jmx"}, r.got.Args)
		assert.Equal(t, []string{"validation.py"}, cmd.Args)
		assert.Equal(t, types.ValidationWarning, report.OverallStatus)
		assert.Equal(t, "out/a.jmx", report.File)
		assert.False(t, report.ValidatedAt.IsZero())
		require.Len(t, report.Checks, 1)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		r := &fakeRunner{result: types.StageResult{ExitCode: 3, Stderr: "no such plan\n"}}
		v := NewCommandValidator(cmd, time.Minute, ".", r, afero.NewMemMapFs())

		_, err := v.Validate(context.Background(), "out/a.jmx")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with code 3: no such plan")
	})

	t.Run("garbage output", func(t *testing.T) {
		r := &fakeRunner{result: types.StageResult{Success: true, Stdout: "ok!"}}
		v := NewCommandValidator(cmd, time.Minute, ".", r, afero.NewMemMapFs())

		_, err := v.Validate(context.Background(), "out/a.jmx")
		assert.Error(t, err)
	})

	t.Run("check reports missing executable", func(t *testing.T) {
		v := NewCommandValidator(runner.Command{Path: "definitely-not-a-validator-binary"}, 0, ".", &fakeRunner{}, afero.NewMemMapFs())
		assert.ErrorIs(t, v.Check(), ErrUnavailable)
	})
}
