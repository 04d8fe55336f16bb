package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skip on windows: sh is not available")
	}
}

func shell(script string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}}
}

func TestRunSuccessCapturesStreams(t *testing.T) {
	skipOnWindows(t)
	r := New(t.TempDir(), nil)

	res := r.Run(context.Background(), shell("echo out; echo err 1>&2"), time.Second*5)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := New(t.TempDir(), nil)

	res := r.Run(context.Background(), shell("echo boom 1>&2; exit 3"), time.Second*5)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	r := New(t.TempDir(), nil)

	start := time.Now()
	res := r.Run(context.Background(), shell("sleep 10"), 200*time.Millisecond)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitCodeAbnormal, res.ExitCode)
	assert.Contains(t, res.Stderr, "stage timed out after 200ms")
}

func TestRunTimeoutKillsChildren(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := New(dir, nil)

	res := r.Run(context.Background(), shell("(sleep 1; touch leaked) & sleep 10"), 100*time.Millisecond)
	require.True(t, res.TimedOut)

	time.Sleep(1500 * time.Millisecond)
	_, err := os.Stat(filepath.Join(dir, "leaked"))
	assert.True(t, os.IsNotExist(err), "background child survived the timeout")
}

func TestRunLaunchFailure(t *testing.T) {
	r := New(t.TempDir(), nil)

	res := r.Run(context.Background(), Command{Path: "definitely-not-a-real-binary-xyz"}, time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, ExitCodeAbnormal, res.ExitCode)
	assert.Contains(t, res.Stderr, "definitely-not-a-real-binary-xyz")
}

func TestRunCanceledContext(t *testing.T) {
	skipOnWindows(t)
	r := New(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, shell("sleep 1"), time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, ExitCodeAbnormal, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, res.Stderr, "stage canceled")
}

func TestRunUsesWorkingDirAndEnv(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := New(dir, nil)
	r.Env = []string{"STAGE_NAME=capture"}

	res := r.Run(context.Background(), shell("pwd; echo $PYTHONUNBUFFERED $STAGE_NAME"), time.Second*5)
	require.True(t, res.Success, res.Stderr)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[0])
	assert.Equal(t, want, got)
	assert.Equal(t, "1 capture", lines[1])
}

func TestRunStreamsToLiveWriter(t *testing.T) {
	skipOnWindows(t)
	var live bytes.Buffer
	r := New(t.TempDir(), nil)
	r.LiveWriter = &live

	res := r.Run(context.Background(), shell("echo hello"), time.Second*5)

	require.True(t, res.Success)
	assert.Contains(t, live.String(), "hello")
}

func TestCommandCheck(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.py"), []byte("print('x')\n"), 0o644))

	assert.NoError(t, Command{Path: "sh", Requires: []string{"log.py"}}.Check(dir))
	assert.Error(t, Command{Path: "sh", Requires: []string{"missing.py"}}.Check(dir))
	assert.Error(t, Command{Path: "no-such-interpreter-xyz"}.Check(dir))
	assert.Error(t, Command{}.Check(dir))
}

func TestCommandWithArgsDoesNotAlias(t *testing.T) {
	base := Command{Path: "python3", Args: make([]string, 1, 4)}
	base.Args[0] = "validate.py"

	a := base.WithArgs("a.jmx")
	b := base.WithArgs("b.jmx")

	assert.Equal(t, []string{"validate.py", "a.jmx"}, a.Args)
	assert.Equal(t, []string{"validate.py", "b.jmx"}, b.Args)
	assert.Equal(t, "python3 validate.py b.jmx", b.String())
}
