package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

const pythonApp = `
name: Python application
on:
  push:
    branches: [ master ]
  pull_request:
    branches: [ master ]
jobs:
  build:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        python-version: [3.8]
    steps:
    - uses: actions/checkout@v2
    - name: Set up Python ${{ matrix.python-version }}
      id: setup
      uses: actions/setup-python@v2
      with:
        python-version: ${{ matrix.python-version }}
    - name: Install dependencies
      run: test -f test_app.py
    - name: Test with pytest
      run: echo "pytest using $PYTHON"
      env:
        PYTHON: ${{ steps.setup.outputs.python-path }}
`

const setupPython = `#!/bin/sh
echo "setting up python $INPUT_PYTHON_VERSION"
echo "python-path=/opt/python/$INPUT_PYTHON_VERSION" >> "$LOOM_OUTPUT"
`

type result struct {
	code   int
	stdout string
	stderr string
}

func loom(t *testing.T, ctx context.Context, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, append([]string{"loom"}, args...), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeFile(t *testing.T, dir, name, contents string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), mode))
	return path
}

func workflowFile(t *testing.T, contents string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "ci.yml", contents, 0o644)
}

// runArgs keeps workspaces in the test's temp dir.
func runArgs(t *testing.T, args ...string) []string {
	return append([]string{"run", "--work-dir", t.TempDir()}, args...)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
}

func origin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("master")},
	})
	require.NoError(t, err)

	writeFile(t, dir, "test_app.py", "def test_ok():\n    assert True\n", 0o644)
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("test_app.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "loom", Email: "loom@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestRunPythonApplication(t *testing.T) {
	requireGit(t)

	actionsDir := t.TempDir()
	writeFile(t, actionsDir, "actions/setup-python/v2/action", setupPython, 0o755)
	wf := workflowFile(t, pythonApp)

	res := loom(t, context.Background(), runArgs(t,
		"--actions-dir", actionsDir,
		"--repo", origin(t),
		"--branch", "master",
		"--verbose",
		wf,
	)...)
	require.Equal(t, exitOK, res.code, res.stdout+res.stderr)

	assert.Contains(t, res.stdout, "✓ Python application: success")
	assert.Contains(t, res.stdout, "✓ build (python-version=3.8): success")
	assert.Contains(t, res.stdout, "✓ Run actions/checkout@v2: success")
	assert.Contains(t, res.stdout, "✓ Set up Python 3.8: success")
	assert.Contains(t, res.stdout, "| setting up python 3.8")
	assert.Contains(t, res.stdout, "✓ Install dependencies: success")
	assert.Contains(t, res.stdout, "| pytest using /opt/python/3.8")
}

func TestRunTriggerMismatch(t *testing.T) {
	wf := workflowFile(t, pythonApp)

	res := loom(t, context.Background(), runArgs(t, "--branch", "develop", wf)...)
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "skipped (trigger-mismatch)")
}

const failing = `
name: failing
on: push
jobs:
  build:
    steps:
      - run: echo before
      - run: exit 3
      - run: echo never
`

func TestRunJobFailure(t *testing.T) {
	wf := workflowFile(t, failing)

	res := loom(t, context.Background(), runArgs(t, wf)...)
	assert.Equal(t, exitFailed, res.code)
	assert.Contains(t, res.stdout, "✗ failing: failure")
	assert.Contains(t, res.stdout, "✗ Run exit 3: failure (exit-status)")
	assert.Contains(t, res.stdout, "- Run echo never: skipped")
}

func TestRunJSON(t *testing.T) {
	wf := workflowFile(t, failing)

	res := loom(t, context.Background(), runArgs(t, "--json", wf)...)
	assert.Equal(t, exitFailed, res.code)

	var got models.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Equal(t, models.StatusKindFailed, got.Outcome)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, []models.StepOutcome{models.StepSuccess, models.StepFailure, models.StepSkipped}, []models.StepOutcome{
		got.Jobs[0].Steps[0].Outcome, got.Jobs[0].Steps[1].Outcome, got.Jobs[0].Steps[2].Outcome,
	})
	assert.Equal(t, 3, got.Jobs[0].Steps[1].ExitStatus)
}

func TestRunEventFile(t *testing.T) {
	wf := workflowFile(t, `
name: prs
on:
  pull_request:
    branches: [main]
jobs:
  check:
    steps:
      - run: test "$LOOM_EVENT_KIND" = pull_request
`)
	ev := writeFile(t, t.TempDir(), "event.json", `{"kind": "pull_request", "branch": "main"}`, 0o644)

	res := loom(t, context.Background(), runArgs(t, "--event", ev, "--json", wf)...)
	require.Equal(t, exitOK, res.code, res.stdout+res.stderr)

	var got models.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
	assert.Equal(t, "pull_request", string(got.Event.Kind))

	// flags win over the file
	res = loom(t, context.Background(), runArgs(t, "--event", ev, "--branch", "other", wf)...)
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "trigger-mismatch")
}

func TestRunCancelled(t *testing.T) {
	wf := workflowFile(t, `
name: slow
on: push
jobs:
  build:
    steps:
      - run: sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	res := loom(t, ctx, runArgs(t, wf)...)
	assert.Equal(t, exitCancelled, res.code)
	assert.Contains(t, res.stdout, "⊘ slow: cancelled")
}

func TestRunConfigErrors(t *testing.T) {
	invalid := workflowFile(t, `
on: push
jobs:
  build:
    steps:
      - uses: actions/checkout@v2
        run: echo both
`)
	valid := workflowFile(t, failing)

	tests := []struct {
		name string
		args []string
	}{
		{"invalid workflow", runArgs(t, invalid)},
		{"missing file", runArgs(t, filepath.Join(t.TempDir(), "nope.yml"))},
		{"no workflow", runArgs(t)},
		{"unknown event kind", runArgs(t, "--kind", "release", valid)},
		{"unknown engine", runArgs(t, "--engine", "vm", valid)},
		{"negative max-parallel", runArgs(t, "--max-parallel=-1", valid)},
		{"unknown log level", []string{"--log-level", "loud", "validate", valid}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res := loom(t, context.Background(), test.args...)
			assert.Equal(t, exitConfig, res.code, res.stdout+res.stderr)
			assert.Contains(t, res.stderr, "loom:")
		})
	}
}

func TestRunTelemetryFromEnvironment(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	wf := workflowFile(t, `
on: push
jobs:
  build:
    steps:
      - run: echo traced
`)

	t.Setenv("LOOM_TELEMETRY_EXPORTER", "stdout")
	res := loom(t, context.Background(), runArgs(t, wf)...)
	require.Equal(t, exitOK, res.code, res.stdout+res.stderr)

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	t.Setenv("LOOM_TELEMETRY_EXPORTER", "zipkin")
	res = loom(t, context.Background(), runArgs(t, wf)...)
	assert.Equal(t, exitConfig, res.code)
	assert.Contains(t, res.stderr, "unsupported exporter")
}

func TestRunAndHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "loom.db")
	wf := workflowFile(t, failing)

	res := loom(t, context.Background(), runArgs(t, "--db", dbPath, wf)...)
	require.Equal(t, exitFailed, res.code)

	res = loom(t, context.Background(), "history", "--db", dbPath)
	require.Equal(t, exitOK, res.code, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "failing")
	assert.Contains(t, lines[1], "push")
	assert.Contains(t, lines[1], "failure")

	res = loom(t, context.Background(), "history", "--db", dbPath, "--json")
	require.Equal(t, exitOK, res.code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &runs))
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Result)
	assert.Len(t, runs[0].Result.Jobs, 1)

	res = loom(t, context.Background(), "history", "--db", filepath.Join(t.TempDir(), "missing.db"))
	assert.Equal(t, exitConfig, res.code)
}

func TestRunLogDir(t *testing.T) {
	logDir := t.TempDir()
	wf := workflowFile(t, failing)

	res := loom(t, context.Background(), runArgs(t, "--log-dir", logDir, "--json", wf)...)
	require.Equal(t, exitFailed, res.code)

	var got models.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))

	logs, err := filepath.Glob(filepath.Join(logDir, got.RunId.String(), "*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.NotEmpty(t, got.Jobs[0].Steps[0].StdoutRef)
}

func TestValidate(t *testing.T) {
	good := workflowFile(t, `
name: matrix
on: [push, schedule]
jobs:
  test:
    strategy:
      matrix:
        os: [a, b]
        v: [1, 2, 3]
        exclude:
          - os: a
            v: 1
    steps:
      - run: "true"
`)
	bad := workflowFile(t, `
on: push
jobs:
  test:
    steps: []
`)

	res := loom(t, context.Background(), "validate", good)
	assert.Equal(t, exitOK, res.code, res.stdout)
	assert.Contains(t, res.stdout, "ok (1 jobs, 5 variants)")
	assert.Contains(t, res.stdout, "warning:")

	res = loom(t, context.Background(), "validate", good, bad)
	assert.Equal(t, exitConfig, res.code)
	assert.Contains(t, res.stdout, "error:")
	assert.Contains(t, res.stdout, "job has no steps")
}

func TestVersion(t *testing.T) {
	res := loom(t, context.Background(), "--version")
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "loom version")
}
