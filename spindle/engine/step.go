package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/loom/spindle/actions"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

// JobRun is what a job runner owns while its steps execute. The context
// grows by one entry per finished step and is touched by nobody else.
type JobRun struct {
	Job     *models.Job
	Context *workflow.Context
	Logger  *models.WorkflowLogger
}

// StepExecutor runs single steps through a backend or an action.
type StepExecutor struct {
	backend models.Engine
	actions *actions.Registry
	cfg     *config.Config
	l       *slog.Logger
}

func NewStepExecutor(cfg *config.Config, backend models.Engine, reg *actions.Registry, l *slog.Logger) *StepExecutor {
	return &StepExecutor{
		backend: backend,
		actions: reg,
		cfg:     cfg,
		l:       l,
	}
}

// resolvedStep is a step with every template substituted.
type resolvedStep struct {
	name string
	env  map[string]string
	with map[string]string
	run  string
	dir  string
}

func resolveStep(c *workflow.Context, spec *workflow.StepSpec) (*resolvedStep, error) {
	stepEnv, err := workflow.ResolveMap(spec.Env, c)
	if err != nil {
		return nil, err
	}
	sc := c.WithEnv(stepEnv)

	rs := &resolvedStep{env: sc.Env}
	if rs.name, err = workflow.Resolve(spec.DisplayName(), sc); err != nil {
		return nil, err
	}
	if rs.with, err = workflow.ResolveMap(spec.With, sc); err != nil {
		return nil, err
	}
	if rs.run, err = workflow.Resolve(spec.Run, sc); err != nil {
		return nil, err
	}
	if rs.dir, err = workflow.Resolve(spec.WorkingDirectory, sc); err != nil {
		return nil, err
	}
	return rs, nil
}

// Run executes step idx of the job. It never returns an error: every
// problem ends up in the result's outcome and reason.
func (x *StepExecutor) Run(ctx context.Context, run *JobRun, idx int) (res models.StepResult) {
	spec := &run.Job.Spec.Steps[idx]
	l := x.l.With("job", run.Job.Id.Name(), "step", idx)

	res = models.StepResult{
		Index:      idx,
		Key:        spec.Key(idx),
		Name:       spec.DisplayName(),
		ExitStatus: -1,
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if run.Logger != nil {
			if err := run.Logger.Control(idx, res.Name, res.Outcome); err != nil {
				l.Error("failed to write step end", "error", err)
			}
		}
		l.Info("step finished", "name", res.Name, "outcome", res.Outcome, "reason", res.Reason, "duration", res.Duration)
	}()

	rs, err := resolveStep(run.Context, spec)
	if err != nil {
		return failStep(res, models.ReasonUnresolvedVariable, err)
	}
	res.Name = rs.name

	if run.Logger != nil {
		if err := run.Logger.Control(idx, res.Name, ""); err != nil {
			l.Error("failed to write step start", "error", err)
		}
	}
	l.Info("starting step", "name", res.Name)

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = x.cfg.Pipelines.StepTimeout
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimedOut)
		defer cancel()
	}

	buf := newBoundedBuffer(x.cfg.Pipelines.MaxOutput)
	var stdout, stderr io.Writer = buf, buf
	if run.Logger != nil {
		stdout = io.MultiWriter(buf, run.Logger.DataWriter(idx, "stdout"))
		stderr = io.MultiWriter(buf, run.Logger.DataWriter(idx, "stderr"))
		res.StdoutRef = run.Logger.Ref(idx, "stdout")
		res.StderrRef = run.Logger.Ref(idx, "stderr")
	}

	outFile := filepath.Join(run.Job.Meta(), fmt.Sprintf("step-%d.out", idx))
	if err := os.WriteFile(outFile, nil, 0o666); err != nil {
		return failStep(res, models.ReasonSetup, err)
	}

	var (
		status  int
		outputs map[string]string
		reason  = models.ReasonSetup
	)
	if spec.Uses != nil {
		reason = models.ReasonActionError
		status, outputs, err = x.invokeAction(stepCtx, run, idx, rs, outFile, stdout, stderr)
	} else {
		status, err = x.runCommand(stepCtx, run, idx, rs, spec.Shell, stdout, stderr)
	}

	res.Output = buf.String()
	res.Truncated = buf.Truncated()

	// a command that finished on its own keeps its status even if the
	// deadline passed while it was being collected
	if err != nil && stepCtx.Err() != nil {
		cause := context.Cause(stepCtx)
		switch {
		case errors.Is(cause, ErrTimedOut):
			res.Outcome = models.StepTimedOut
			res.Reason = models.ReasonTimeout
			res.Error = fmt.Sprintf("step timed out after %s", timeout)
		case errors.Is(cause, ErrJobTimedOut):
			res.Outcome = models.StepTimedOut
			res.Reason = models.ReasonJobTimeout
			res.Error = ErrJobTimedOut.Error()
		default:
			res.Outcome = models.StepCancelled
			res.Reason = models.ReasonCancelled
			res.Error = ErrCancelled.Error()
		}
		return res
	}

	switch {
	case errors.Is(err, ErrActionNotFound):
		return failStep(res, models.ReasonActionNotFound, err)
	case errors.Is(err, ErrOOMKilled):
		res.ExitStatus = status
		return failStep(res, models.ReasonOOMKilled, err)
	case err != nil:
		return failStep(res, reason, err)
	}

	res.ExitStatus = status
	if status != 0 {
		return failStep(res, models.ReasonExitStatus, fmt.Errorf("%w: exit status %d", ErrStepFailed, status))
	}

	fileOutputs, err := actions.ReadOutputFile(outFile)
	if err != nil {
		return failStep(res, models.ReasonActionError, err)
	}
	for k, v := range outputs {
		fileOutputs[k] = v
	}
	if len(fileOutputs) > 0 {
		res.Outputs = fileOutputs
	}

	res.Outcome = models.StepSuccess
	return res
}

func failStep(res models.StepResult, reason string, err error) models.StepResult {
	res.Outcome = models.StepFailure
	res.Reason = reason
	res.Error = err.Error()
	return res
}

// stepEnv is the env a step's process sees on top of the ambient one.
// pathOf translates job-root relative paths for whoever runs the process.
func (x *StepExecutor) stepEnv(run *JobRun, idx int, rs *resolvedStep, pathOf func(...string) string) map[string]string {
	job := run.Job
	env := make(map[string]string, len(rs.env)+12)
	for k, v := range rs.env {
		env[k] = v
	}

	env["CI"] = "true"
	env["LOOM"] = "true"
	env["LOOM_RUN_ID"] = job.Id.Run.String()
	env["LOOM_JOB"] = job.Spec.Id
	env["LOOM_JOB_INDEX"] = fmt.Sprintf("%d", job.Variant.Index)
	env["LOOM_STEP"] = job.Spec.Steps[idx].Key(idx)
	env["LOOM_WORKSPACE"] = pathOf(models.WorkspaceDir)
	env["LOOM_OUTPUT"] = pathOf(models.MetaDir, fmt.Sprintf("step-%d.out", idx))
	env["LOOM_EVENT_KIND"] = string(job.Event.Kind)
	env["LOOM_EVENT_BRANCH"] = job.Event.BranchName()
	env["LOOM_EVENT_REF"] = job.Event.FullRef()
	env["LOOM_EVENT_COMMIT"] = job.Event.Commit
	env["LOOM_EVENT_REPO"] = job.Event.Repo

	return env
}

// workDir checks that dir stays inside the workspace and returns it
// relative to the job root.
func workDir(job *models.Job, dir string) (string, error) {
	abs, err := securejoin.SecureJoin(job.Workspace(), dir)
	if err != nil {
		return "", err
	}
	return filepath.Rel(job.Root, abs)
}

func shellArgs(shell, script string) ([]string, error) {
	switch shell {
	case "sh":
		return []string{"sh", "-e", "-c", script}, nil
	case "bash":
		return []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c", script}, nil
	}
	return nil, fmt.Errorf("%w: %q", workflow.ErrUnknownShell, shell)
}

func (x *StepExecutor) runCommand(ctx context.Context, run *JobRun, idx int, rs *resolvedStep, shell string, stdout, stderr io.Writer) (int, error) {
	if shell == "" {
		shell = x.cfg.Pipelines.Shell
	}
	args, err := shellArgs(shell, rs.run)
	if err != nil {
		return -1, err
	}

	dir, err := workDir(run.Job, rs.dir)
	if err != nil {
		return -1, err
	}

	pathOf := func(rel ...string) string {
		return x.backend.JobPath(run.Job, rel...)
	}

	return x.backend.RunCommand(ctx, run.Job, &models.Command{
		Args:   args,
		Env:    x.stepEnv(run, idx, rs, pathOf),
		Dir:    x.backend.JobPath(run.Job, dir),
		Stdout: stdout,
		Stderr: stderr,
	})
}

// invokeAction runs a `uses` step. Actions run on the host against the
// job's host directories, whatever the backend.
func (x *StepExecutor) invokeAction(ctx context.Context, run *JobRun, idx int, rs *resolvedStep, outFile string, stdout, stderr io.Writer) (int, map[string]string, error) {
	spec := &run.Job.Spec.Steps[idx]
	if x.actions == nil {
		return -1, nil, fmt.Errorf("%w: %s", ErrActionNotFound, spec.Uses)
	}

	a, err := x.actions.Lookup(*spec.Uses, run.Job.Workspace())
	if errors.Is(err, actions.ErrNotFound) {
		return -1, nil, fmt.Errorf("%w: %w", ErrActionNotFound, err)
	}
	if err != nil {
		return -1, nil, err
	}

	dir, err := workDir(run.Job, rs.dir)
	if err != nil {
		return -1, nil, err
	}

	hostPath := func(rel ...string) string {
		return filepath.Join(append([]string{run.Job.Root}, rel...)...)
	}

	exit, err := a.Invoke(ctx, actions.Invocation{
		Ref:        *spec.Uses,
		Inputs:     rs.with,
		Env:        x.stepEnv(run, idx, rs, hostPath),
		Workspace:  run.Job.Workspace(),
		Dir:        filepath.Join(run.Job.Root, dir),
		OutputFile: outFile,
		Event:      run.Job.Event,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	if err != nil {
		return -1, nil, err
	}

	return exit.Status, exit.Outputs, nil
}
