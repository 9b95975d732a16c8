package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

const teardownTimeout = time.Minute

// newJobResult has every step skipped; slots are overwritten as steps run.
func newJobResult(def *workflow.Definition, job *models.Job) models.JobResult {
	spec := job.Spec
	res := models.JobResult{
		Id:              job.Id,
		Job:             spec.Id,
		Name:            jobName(def, job),
		Variant:         job.Variant,
		Matrix:          job.Variant.String(),
		ContinueOnError: spec.ContinueOnError,
		Steps:           make([]models.StepResult, len(spec.Steps)),
	}
	for i, s := range spec.Steps {
		res.Steps[i] = models.StepResult{
			Index:      i,
			Key:        s.Key(i),
			Name:       s.DisplayName(),
			Outcome:    models.StepSkipped,
			ExitStatus: -1,
		}
	}
	return res
}

// jobName resolves the declared name against the matrix. Jobs named
// after their id get the variant's bindings appended.
func jobName(def *workflow.Definition, job *models.Job) string {
	spec := job.Spec
	name := spec.Name
	if name == "" {
		name = spec.Id
	}

	resolved, err := workflow.Resolve(name, &workflow.Context{
		Matrix: job.Variant.Map(),
		Env:    def.Env,
		Event:  job.Event,
		Job:    workflow.JobInfo{Name: spec.Id, Index: job.Variant.Index},
	})
	if err == nil {
		name = resolved
	}

	if name == spec.Id && len(job.Variant.Bindings) > 0 {
		return fmt.Sprintf("%s (%s)", spec.Id, job.Variant)
	}
	return name
}

// RunJob runs the steps of one job variant in order. Like steps, jobs
// never fail with an error; the result says what happened.
func (e *Engine) RunJob(ctx context.Context, def *workflow.Definition, job *models.Job) (res models.JobResult) {
	spec := job.Spec
	l := e.l.With("job", job.Id.Name())

	res = newJobResult(def, job)
	res.StartedAt = time.Now()
	e.statusJob(job, res.Name, models.StatusKindRunning, "")
	l.Info("starting job", "name", res.Name, "steps", len(spec.Steps))

	ctx, span := e.tel.startJob(ctx, job)
	defer func() {
		res.FinishedAt = time.Now()
		e.tel.finishJob(ctx, span, res)
		e.statusJob(job, res.Name, res.Outcome, res.Reason)
		l.Info("job finished", "outcome", res.Outcome, "reason", res.Reason, "duration", res.FinishedAt.Sub(res.StartedAt))
	}()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = e.cfg.Pipelines.JobTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrJobTimedOut)
		defer cancel()
	}

	run, err := e.setupJob(ctx, def, job)
	if run != nil {
		defer e.teardownJob(ctx, run)
	}
	if err != nil {
		var uv *workflow.UnresolvedVariableError
		if errors.As(err, &uv) {
			return failJob(res, models.ReasonUnresolvedVariable, err)
		}
		if ctx.Err() != nil {
			return interruptJob(res, ctx)
		}
		return failJob(res, models.ReasonSetup, err)
	}

	// every template must resolve before the first step starts
	if err := run.Context.CheckJob(spec); err != nil {
		return failJob(res, models.ReasonUnresolvedVariable, err)
	}

	var firstFailure *models.StepResult
	for i := range spec.Steps {
		if ctx.Err() != nil {
			return interruptJob(res, ctx)
		}

		sr := e.steps.Run(ctx, run, i)
		res.Steps[i] = sr
		run.Context.SetStep(sr.Key, workflow.StepContext{
			Outcome: string(sr.Outcome),
			Outputs: sr.Outputs,
		})

		switch {
		case sr.Outcome == models.StepCancelled:
			res.Outcome = models.StatusKindCancelled
			res.Reason = models.ReasonCancelled
			return res

		case sr.Outcome.Failed():
			if spec.Steps[i].ContinueOnError && sr.Reason != models.ReasonJobTimeout {
				res.Steps[i].ContinuedOnError = true
				if firstFailure == nil {
					firstFailure = &res.Steps[i]
				}
				continue
			}
			res.Outcome = models.StatusKindFailed
			res.Reason = sr.Reason
			res.Error = fmt.Sprintf("step %q: %s", sr.Name, sr.Error)
			return res
		}
	}

	if firstFailure != nil {
		res.Outcome = models.StatusKindFailed
		res.Reason = firstFailure.Reason
		res.Error = fmt.Sprintf("step %q: %s", firstFailure.Name, firstFailure.Error)
		return res
	}

	res.Outcome = models.StatusKindSuccess
	return res
}

func failJob(res models.JobResult, reason string, err error) models.JobResult {
	res.Outcome = models.StatusKindFailed
	res.Reason = reason
	res.Error = err.Error()
	return res
}

// interruptJob records a job stopped between steps.
func interruptJob(res models.JobResult, ctx context.Context) models.JobResult {
	if errors.Is(context.Cause(ctx), ErrJobTimedOut) {
		return failJob(res, models.ReasonJobTimeout, ErrJobTimedOut)
	}
	res.Outcome = models.StatusKindCancelled
	res.Reason = models.ReasonCancelled
	return res
}

// notStartedJob is the result of a job the run was cancelled before
// reaching.
func notStartedJob(def *workflow.Definition, job *models.Job) models.JobResult {
	res := newJobResult(def, job)
	res.Outcome = models.StatusKindCancelled
	res.Reason = models.ReasonCancelled
	return res
}

// setupJob prepares the job's directories, log file, backend and template
// context. A non-nil JobRun must be torn down even when err is set.
func (e *Engine) setupJob(ctx context.Context, def *workflow.Definition, job *models.Job) (*JobRun, error) {
	spec := job.Spec

	c := &workflow.Context{
		Matrix: job.Variant.Map(),
		Event:  job.Event,
		Job:    workflow.JobInfo{Name: spec.Id, Index: job.Variant.Index},
	}
	wfEnv, err := workflow.ResolveMap(def.Env, c)
	if err != nil {
		return nil, err
	}
	c.Env = wfEnv
	jobEnv, err := workflow.ResolveMap(spec.Env, c)
	if err != nil {
		return nil, err
	}
	c = c.WithEnv(jobEnv)

	if job.Root == "" {
		job.Root = filepath.Join(e.workDir, job.Id.Run.String(), job.Id.Name())
	}
	for _, d := range []string{job.Workspace(), job.Meta()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating job dir: %w", err)
		}
	}

	run := &JobRun{Job: job, Context: c}

	if e.cfg.Pipelines.LogDir != "" {
		wl, err := models.NewWorkflowLogger(e.cfg.Pipelines.LogDir, job.Id)
		if err != nil {
			return run, err
		}
		run.Logger = wl
	}

	if err := e.backend.SetupJob(ctx, job); err != nil {
		return run, fmt.Errorf("setting up job: %w", err)
	}

	return run, nil
}

func (e *Engine) teardownJob(ctx context.Context, run *JobRun) {
	l := e.l.With("job", run.Job.Id.Name())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := e.backend.DestroyJob(ctx, run.Job); err != nil {
		l.Error("failed to destroy job", "error", err)
	}

	if run.Logger != nil {
		if err := run.Logger.Close(); err != nil {
			l.Error("failed to close job log", "error", err)
		}
	}

	if !e.cfg.Pipelines.KeepWorkspaces {
		if err := os.RemoveAll(run.Job.Root); err != nil {
			l.Error("failed to remove job dir", "error", err)
		}
	}
}
