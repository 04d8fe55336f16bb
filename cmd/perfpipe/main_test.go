package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/perf-pipeline/types"
	"github.com/songzhibin97/perf-pipeline/workflow"
)

const plan = `<jmeterTestPlan><hashTree><TestPlan/><hashTree><ThreadGroup/><hashTree>` +
	`<HTTPSamplerProxy/><ResponseAssertion/><ConstantTimer/><RegexExtractor/>` +
	`</hashTree></hashTree></hashTree></jmeterTestPlan>`

// workspace lays out stage scripts in a temp dir and returns the config path.
func workspace(t *testing.T, scripts map[string]string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stage scripts need sh")
	}
	dir := t.TempDir()
	files := map[string]string{
		"log.py":     "import os\n\nrun(TASK)\n",
		"capture.sh": "echo captured\n",
		"steps.sh":   "echo '{}' > TestSteps_Output/test_steps_structured.json\n",
		"scripts.sh": "printf '%s' '" + plan + "' > JMX_SCRIPT_OUTPUT/login.jmx\n",
	}
	for name, content := range scripts {
		files[name] = content
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	cfg := `
work_dir: ` + dir + `
stages:
  capture:
    command: {path: sh, args: [capture.sh], requires: [capture.sh]}
    timeout: 10s
  steps:
    command: {path: sh, args: [steps.sh], requires: [steps.sh]}
    timeout: 10s
  scripts:
    command: {path: sh, args: [scripts.sh], requires: [scripts.sh]}
    timeout: 10s
validation:
  report_dir: reports
log:
  level: error
`
	path := filepath.Join(dir, "perfpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return dir, path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestRunCompletes(t *testing.T) {
	dir, cfg := workspace(t, nil)

	out, err := execute(t, "--config", cfg, "run", "-q", "Test login for https://shop.example.com/login")
	require.NoError(t, err)

	var res struct {
		WorkflowID string                 `json:"workflow_id"`
		Status     types.WorkflowStatus   `json:"status"`
		Steps      []types.Step           `json:"steps"`
		Results    map[string]interface{} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.WorkflowID)
	assert.Equal(t, types.WorkflowCompleted, res.Status)
	require.Len(t, res.Steps, 5)
	for _, s := range res.Steps {
		assert.Equal(t, types.StepCompleted, s.Status, s.Name)
	}
	assert.Contains(t, res.Results, "validation")

	task, err := os.ReadFile(filepath.Join(dir, "log.py"))
	require.NoError(t, err)
	assert.Contains(t, string(task), "https://shop.example.com/login")

	reports, err := filepath.Glob(filepath.Join(dir, "reports", "validation_report_login_*.json"))
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestRunStageFailure(t *testing.T) {
	_, cfg := workspace(t, map[string]string{"capture.sh": "echo broken >&2\nexit 3\n"})

	out, err := execute(t, "--config", cfg, "run", "-q", "Test https://example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrSubprocessFailure)
	assert.Contains(t, out, `"status": "failed"`)
}

func TestRunRejectsStoryWithoutURL(t *testing.T) {
	_, cfg := workspace(t, nil)

	out, err := execute(t, "--config", cfg, "run", "Test", "the", "login", "page")
	require.Error(t, err)
	assert.Equal(t, workflow.URLPrompt, err.Error())
	assert.Empty(t, out)
}

func TestCheck(t *testing.T) {
	_, cfg := workspace(t, nil)

	out, err := execute(t, "--config", cfg, "check")
	require.NoError(t, err)
	for _, name := range []string{"task_writer", "capture", "steps", "scripts", "validator"} {
		assert.Contains(t, out, "ok    "+name)
	}
}

func TestCheckReportsMissingModules(t *testing.T) {
	dir, cfg := workspace(t, nil)
	require.NoError(t, os.Remove(filepath.Join(dir, "steps.sh")))

	out, err := execute(t, "--config", cfg, "check")
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrModuleUnavailable)
	assert.True(t, strings.Contains(out, "FAIL  steps: required file steps.sh"), out)
	assert.Contains(t, out, "ok    capture")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  backend: etcd\n"), 0o644))

	_, err := execute(t, "--config", path, "check")
	assert.Error(t, err)
}
