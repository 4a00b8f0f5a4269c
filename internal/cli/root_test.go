package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/engine"
	"matrixci/internal/state"
)

// execute runs the command tree with the given args and returns stdout and
// the semantic exit code.
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	root, err := NewRootCommand()
	require.NoError(t, err)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	execErr := root.ExecuteContext(context.Background())
	return out.String(), ExitCode(execErr)
}

func writePipeline(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const passingPipeline = `
name: demo
axes:
  - name: backend
    env: GEOMSTATS_BACKEND
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: test -n "$GEOMSTATS_BACKEND"
`

func TestRunCommandPasses(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, passingPipeline)

	out, code := execute(t, "run", "--workdir", dir, "--workers", "2")
	assert.Equal(t, ExitSuccess, code, "output: %s", out)
	assert.Contains(t, out, "2 passed")

	store, err := state.NewStore(dir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run, err := store.LoadRun(ids[0])
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusPassed, run.Status)

	if _, err := os.Stat(filepath.Join(store.RunDir(ids[0]), "report.json")); err != nil {
		t.Fatalf("canonical report missing: %v", err)
	}
}

func TestRunCommandJobFailure(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, `
name: demo
axes:
  - name: backend
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: test "$MATRIX_BACKEND" = numpy
`)

	out, code := execute(t, "run", "--workdir", dir)
	assert.Equal(t, ExitJobFailure, code, "output: %s", out)
	assert.Contains(t, out, "1 failed")
}

func TestRunCommandConfigError(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "name: broken\nsteps: []\n")

	_, code := execute(t, "run", "--workdir", dir)
	assert.Equal(t, ExitConfigError, code)
}

func TestRunCommandMissingWorkdir(t *testing.T) {
	_, code := execute(t, "run")
	assert.Equal(t, ExitInvalidInvocation, code)
}

func TestRunCommandUnknownFlag(t *testing.T) {
	_, code := execute(t, "run", "--no-such-flag")
	assert.Equal(t, ExitInvalidInvocation, code)
}

func TestPlanCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, passingPipeline)

	out, code := execute(t, "plan", "--workdir", dir, "--json")
	require.Equal(t, ExitSuccess, code, "output: %s", out)

	var plan []struct {
		ID  string            `json:"id"`
		Env map[string]string `json:"env"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	require.Len(t, plan, 2)
	assert.Equal(t, "backend=numpy", plan[0].ID)
	assert.Equal(t, "numpy", plan[0].Env["GEOMSTATS_BACKEND"])
}

func TestResumeCommandReRunsOnlyFailures(t *testing.T) {
	dir := t.TempDir()

	// First attempt: the pytorch job fails because the marker file does
	// not exist yet.
	writePipeline(t, dir, `
name: demo
axes:
  - name: backend
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: test "$MATRIX_BACKEND" = numpy || test -f marker
`)

	out, code := execute(t, "run", "--workdir", dir)
	require.Equal(t, ExitJobFailure, code, "output: %s", out)

	store, err := state.NewStore(dir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	firstRun := ids[0]

	// Fix the workspace, then resume.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0o644))

	out, code = execute(t, "resume", firstRun, "--workdir", dir)
	assert.Equal(t, ExitSuccess, code, "output: %s", out)
	assert.Contains(t, out, "1 passed")
	assert.Contains(t, out, "1 carried")

	ids, err = store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		if id == firstRun {
			continue
		}
		run, err := store.LoadRun(id)
		require.NoError(t, err)
		assert.Equal(t, state.RunStatusPassed, run.Status)
		assert.Equal(t, 1, run.RetryCount)
		require.NotNil(t, run.PreviousRunID)
		assert.Equal(t, firstRun, *run.PreviousRunID)
	}
}

func TestResumeCommandRejectsChangedPipeline(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, `
name: demo
axes:
  - name: backend
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: test "$MATRIX_BACKEND" = numpy
`)

	_, code := execute(t, "run", "--workdir", dir)
	require.Equal(t, ExitJobFailure, code)

	store, err := state.NewStore(dir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Edit the declaration between attempts.
	writePipeline(t, dir, `
name: demo
axes:
  - name: backend
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: "true"
`)

	_, code = execute(t, "resume", ids[0], "--workdir", dir)
	assert.Equal(t, ExitConfigError, code)
}

func TestRunInterruptedKeepsFinishedJobRecords(t *testing.T) {
	dir := t.TempDir()

	// numpy passes immediately; pytorch hangs until the marker file exists.
	writePipeline(t, dir, `
name: demo
axes:
  - name: backend
    values: [numpy, pytorch]
pass_env: [PATH]
steps:
  - name: test
    run: test "$MATRIX_BACKEND" = numpy || test -f marker || sleep 30
`)

	root, err := NewRootCommand()
	require.NoError(t, err)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "--workdir", dir, "--workers", "2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Interrupt the run once the first job record lands on disk.
	recordGlob := filepath.Join(dir, ".matrixci", "runs", "*", "jobs", "*.json")
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if matches, _ := filepath.Glob(recordGlob); len(matches) > 0 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
	}()

	execErr := root.ExecuteContext(ctx)
	require.Equal(t, ExitInternalError, ExitCode(execErr), "output: %s", out.String())

	store, err := state.NewStore(dir)
	require.NoError(t, err)
	ids, err := store.ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run, err := store.LoadRun(ids[0])
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusRunning, run.Status,
		"an interrupted run must not be marked finished")

	jobs, err := store.LoadJobs(ids[0])
	require.NoError(t, err)
	require.Contains(t, jobs, "backend=numpy",
		"the finished job must have a record despite the interruption")
	assert.Equal(t, engine.JobPassed, jobs["backend=numpy"].State)
	assert.NotContains(t, jobs, "backend=pytorch")

	// The interrupted attempt resumes with the finished job carried.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0o644))
	resumeOut, code := execute(t, "resume", ids[0], "--workdir", dir, "--allow-interrupted")
	assert.Equal(t, ExitSuccess, code, "output: %s", resumeOut)
	assert.Contains(t, resumeOut, "1 passed")
	assert.Contains(t, resumeOut, "1 carried")
}

func TestEnvironmentConfiguration(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, passingPipeline)

	// Environment form is honored...
	t.Setenv("MATRIXCI_WORKERS", "0")
	_, code := execute(t, "run", "--workdir", dir)
	assert.Equal(t, ExitInvalidInvocation, code)

	// ...and the flag form takes precedence over it.
	_, code = execute(t, "run", "--workdir", dir, "--workers", "2")
	assert.Equal(t, ExitSuccess, code)
}

func TestVersionCommand(t *testing.T) {
	out, code := execute(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, Version)
}
