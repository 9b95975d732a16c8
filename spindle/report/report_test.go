package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

func sampleResult() *models.WorkflowResult {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &models.WorkflowResult{
		RunId:      "run-1",
		Workflow:   "Python application",
		Event:      workflow.Event{Kind: workflow.TriggerKindPush, Branch: "master"},
		Outcome:    models.StatusKindFailed,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Jobs: []models.JobResult{{
			Job:        "build",
			Name:       "build (python-version=3.8)",
			Outcome:    models.StatusKindFailed,
			Reason:     models.ReasonExitStatus,
			Error:      `step "Test": exit status 1`,
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
			Steps: []models.StepResult{
				{Name: "Install", Outcome: models.StepSuccess, Output: "installed\n", Duration: 200 * time.Millisecond},
				{Name: "Test", Outcome: models.StepFailure, Reason: models.ReasonExitStatus, Output: "\x1b[31mFAILED\x1b[0m test_a\n", Duration: 300 * time.Millisecond, ExitStatus: 1},
				{Name: "Upload", Outcome: models.StepSkipped, ExitStatus: -1},
			},
		}},
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Text(&buf, sampleResult(), Options{}))
	out := buf.String()

	assert.Contains(t, out, "✗ Python application: failure (1.5s)")
	assert.Contains(t, out, "  ✗ build (python-version=3.8): failure (exit-status) (1s)")
	assert.Contains(t, out, `      error: step "Test": exit status 1`)
	assert.Contains(t, out, "    ✓ Install: success (200ms)")
	assert.Contains(t, out, "    ✗ Test: failure (exit-status) (300ms)")
	assert.Contains(t, out, "      | FAILED test_a\n")
	assert.Contains(t, out, "    - Upload: skipped\n")

	// output of passing steps only in verbose mode
	assert.NotContains(t, out, "installed")
	assert.NotContains(t, out, "\x1b[")

	buf.Reset()
	require.NoError(t, Text(&buf, sampleResult(), Options{Verbose: true}))
	assert.Contains(t, buf.String(), "      | installed\n")
}

func TestTextTruncated(t *testing.T) {
	res := sampleResult()
	res.Jobs[0].Steps[1].Truncated = true

	var buf bytes.Buffer
	require.NoError(t, Text(&buf, res, Options{}))
	assert.Contains(t, buf.String(), "output truncated after")
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, sampleResult()))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failure", got["outcome"])
	jobs := got["jobs"].([]any)
	require.Len(t, jobs, 1)
	steps := jobs[0].(map[string]any)["steps"].([]any)
	assert.Len(t, steps, 3)
	assert.Equal(t, "skipped", steps[2].(map[string]any)["outcome"])
}

func TestHistory(t *testing.T) {
	now := time.Now()
	runs := []db.Run{
		{
			Id:         "b",
			Workflow:   "ci",
			Event:      workflow.Event{Kind: workflow.TriggerKindPush, Branch: "refs/heads/master"},
			Status:     models.StatusKindSuccess,
			CreatedAt:  now.Add(-5 * time.Minute),
			StartedAt:  now.Add(-5 * time.Minute),
			FinishedAt: now.Add(-4 * time.Minute),
		},
		{
			Id:        "a",
			Workflow:  "ci",
			Event:     workflow.Event{Kind: workflow.TriggerKindPullRequest, Branch: "main"},
			Status:    models.StatusKindPending,
			CreatedAt: now.Add(-2 * time.Hour),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, History(&buf, runs))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.Contains(t, lines[1], "push master")
	assert.Contains(t, lines[1], "5min ago")
	assert.Contains(t, lines[1], "1m0s")
	assert.Contains(t, lines[2], "pull_request main")
	assert.Contains(t, lines[2], "2hrs ago")
	assert.True(t, strings.HasSuffix(lines[2], "-"))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "red plain", StripANSI("\x1b[31mred\x1b[0m plain"))

	var buf bytes.Buffer
	w := NewStrippingWriter(&buf)
	n, err := w.Write([]byte("\x1b[1mbold\x1b[0m"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "bold", buf.String())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "1.235s", Duration(1234567*time.Microsecond))
	assert.Equal(t, "2m3s", Duration(123400*time.Millisecond))
	assert.Equal(t, "0s", Duration(-time.Second))
}
