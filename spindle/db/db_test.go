package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

func setup(t *testing.T) *DB {
	t.Helper()
	d, err := Make(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

var push = workflow.Event{Kind: workflow.TriggerKindPush, Branch: "master", Commit: "abc123"}

func TestRunLifecycle(t *testing.T) {
	d := setup(t)
	n := notifier.New()
	ch := n.Subscribe()

	id := models.NewRunId()
	require.NoError(t, d.CreateRun(id, "Python application", push, &n))
	assert.Len(t, ch, 1)
	<-ch

	r, err := d.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindPending, r.Status)
	assert.Equal(t, push, r.Event)
	assert.True(t, r.StartedAt.IsZero())
	assert.Nil(t, r.Result)

	require.NoError(t, d.StartRun(id, "Python application", push, &n))
	r, err = d.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindRunning, r.Status)
	assert.False(t, r.StartedAt.IsZero())

	now := time.Now()
	res := &models.WorkflowResult{
		RunId:    id,
		Workflow: "Python application",
		Event:    push,
		Outcome:  models.StatusKindFailed,
		Jobs: []models.JobResult{{
			Job:     "build",
			Name:    "build (python-version=3.8)",
			Outcome: models.StatusKindFailed,
			Reason:  models.ReasonExitStatus,
			Steps: []models.StepResult{
				{Index: 0, Key: "0", Name: "checkout", Outcome: models.StepSuccess},
				{Index: 1, Key: "1", Name: "test", Outcome: models.StepFailure, ExitStatus: 1},
			},
		}},
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
	require.NoError(t, d.FinishRun(res, &n))

	r, err = d.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, r.Status)
	require.NotNil(t, r.Result)
	require.Len(t, r.Result.Jobs, 1)
	assert.Equal(t, models.StepFailure, r.Result.Jobs[0].Steps[1].Outcome)
	assert.Equal(t, 1, r.Result.Jobs[0].Steps[1].ExitStatus)
	assert.False(t, r.FinishedAt.IsZero())
}

func TestFinishWithoutStart(t *testing.T) {
	d := setup(t)

	now := time.Now()
	res := &models.WorkflowResult{
		RunId:      models.NewRunId(),
		Workflow:   "wf",
		Event:      push,
		Outcome:    models.StatusKindSkipped,
		Reason:     models.ReasonTriggerMismatch,
		StartedAt:  now,
		FinishedAt: now,
	}
	require.NoError(t, d.FinishRun(res, nil))

	r, err := d.GetRun(res.RunId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindSkipped, r.Status)
	assert.Equal(t, models.ReasonTriggerMismatch, r.Reason)
}

func TestGetRunMissing(t *testing.T) {
	d := setup(t)
	_, err := d.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestGetRuns(t *testing.T) {
	d := setup(t)

	var ids []models.RunId
	for i := range 3 {
		id := models.NewRunId()
		ids = append(ids, id)
		wf := "a"
		if i == 1 {
			wf = "b"
		}
		require.NoError(t, d.CreateRun(id, wf, push, nil))
	}

	runs, err := d.GetRuns("", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// newest first
	assert.Equal(t, ids[2], runs[0].Id)
	assert.Equal(t, ids[0], runs[2].Id)

	runs, err = d.GetRuns("b", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ids[1], runs[0].Id)

	runs, err = d.GetRuns("", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestEvents(t *testing.T) {
	d := setup(t)
	id := models.NewRunId()

	require.NoError(t, d.StartRun(id, "wf", push, nil))
	require.NoError(t, d.StatusJob(JobStatus{Run: id, Job: "build-0", Name: "build", Status: models.StatusKindRunning}, nil))
	require.NoError(t, d.StatusJob(JobStatus{Run: id, Job: "build-0", Name: "build", Status: models.StatusKindSuccess}, nil))

	evts, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, EventRunStatus, evts[0].Kind)
	assert.Equal(t, EventJobStatus, evts[1].Kind)
	assert.JSONEq(t, `{"run":"`+string(id)+`","job":"build-0","name":"build","status":"success"}`, string(evts[2].EventJson))

	rest, err := d.GetEvents(evts[1].Id)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, evts[2].Id, rest[0].Id)
}

func TestCancelStaleRuns(t *testing.T) {
	d := setup(t)

	pending := models.NewRunId()
	running := models.NewRunId()
	require.NoError(t, d.CreateRun(pending, "wf", push, nil))
	require.NoError(t, d.StartRun(running, "wf", push, nil))

	count, err := d.CancelStaleRuns(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	r, err := d.GetRun(running)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindCancelled, r.Status)
}
