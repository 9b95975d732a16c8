package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/spindle/actions"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/workflow"
)

type Engine struct {
	backend models.Engine
	steps   *StepExecutor
	cfg     *config.Config
	l       *slog.Logger
	db      *db.DB
	n       *notifier.Notifier
	tel     *instruments
	workDir string
}

// New builds an engine on top of a backend. d and n are optional; without
// them runs are not recorded.
func New(ctx context.Context, cfg *config.Config, backend models.Engine, reg *actions.Registry, d *db.DB, n *notifier.Notifier) *Engine {
	l := log.SubLogger(log.FromContext(ctx), "engine")

	workDir := cfg.Pipelines.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "loom")
	}

	return &Engine{
		backend: backend,
		steps:   NewStepExecutor(cfg, backend, reg, l),
		cfg:     cfg,
		l:       l,
		db:      d,
		n:       n,
		tel:     newInstruments(),
		workDir: workDir,
	}
}

// Run starts a fresh run of def for ev.
func (e *Engine) Run(ctx context.Context, def *workflow.Definition, ev workflow.Event) (*models.WorkflowResult, error) {
	return e.RunAs(ctx, models.NewRunId(), def, ev)
}

// RunAs is Run with a caller chosen run id.
//
// A configuration problem found while planning is returned as an error
// and nothing runs. Everything else, including jobs failing or the run
// being cancelled, is reported in the result.
func (e *Engine) RunAs(ctx context.Context, id models.RunId, def *workflow.Definition, ev workflow.Event) (*models.WorkflowResult, error) {
	l := e.l.With("run", id, "workflow", def.Name)

	res := &models.WorkflowResult{
		RunId:     id,
		Workflow:  def.Name,
		Event:     ev,
		Jobs:      []models.JobResult{},
		StartedAt: time.Now(),
	}

	ctx, span := e.tel.startRun(ctx, res)

	if !def.Triggers.Evaluate(ev) {
		l.Info("skipped: trigger-mismatch", "kind", ev.Kind, "branch", ev.BranchName())
		res.Outcome = models.StatusKindSkipped
		res.Reason = models.ReasonTriggerMismatch
		res.FinishedAt = res.StartedAt
		e.finishRun(res)
		e.tel.finishRun(ctx, span, res)
		return res, nil
	}

	jobs, err := plan(id, def, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid workflow")
		span.End()
		return nil, err
	}

	e.startRun(res)
	l.Info("starting run", "jobs", len(jobs), "max_parallel", e.cfg.Pipelines.MaxParallel)

	// one slot per job, written only by that job's goroutine
	results := make([]models.JobResult, len(jobs))

	var g errgroup.Group
	if e.cfg.Pipelines.MaxParallel > 0 {
		g.SetLimit(e.cfg.Pipelines.MaxParallel)
	}
	for i, job := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = notStartedJob(def, job)
				e.statusJob(job, results[i].Name, results[i].Outcome, results[i].Reason)
				return nil
			}
			results[i] = e.RunJob(ctx, def, job)
			return nil
		})
	}
	_ = g.Wait()

	res.Jobs = results
	res.Outcome = res.Aggregate()
	if res.Outcome == models.StatusKindCancelled {
		res.Reason = models.ReasonCancelled
	}
	res.FinishedAt = time.Now()

	l.Info("run finished", "outcome", res.Outcome, "duration", res.FinishedAt.Sub(res.StartedAt))
	e.finishRun(res)
	e.tel.finishRun(ctx, span, res)

	return res, nil
}

// plan expands every job's matrix, in declaration order then variant
// order.
func plan(id models.RunId, def *workflow.Definition, ev workflow.Event) ([]*models.Job, error) {
	var jobs []*models.Job
	seen := make(map[string]string)
	for i := range def.Jobs {
		spec := &def.Jobs[i]

		// job dirs and log files are named after the normalized id
		norm := workflow.NormalizeId(spec.Id)
		if prev, ok := seen[norm]; ok {
			return nil, &workflow.ConfigError{Errors: []workflow.Error{{
				Path:  "jobs." + spec.Id,
				Error: fmt.Errorf("%w: %q and %q both become %s", workflow.ErrDuplicateJob, prev, spec.Id, norm),
			}}}
		}
		seen[norm] = spec.Id

		variants, err := spec.Matrix.Expand()
		if err != nil {
			return nil, fmt.Errorf("jobs.%s: %w", spec.Id, err)
		}
		for _, v := range variants {
			jobs = append(jobs, &models.Job{
				Id: models.JobId{
					Run:     id,
					Job:     spec.Id,
					Variant: v.Index,
				},
				Spec:    spec,
				Variant: v,
				Event:   ev,
			})
		}
	}
	return jobs, nil
}

func (e *Engine) startRun(res *models.WorkflowResult) {
	if e.db == nil {
		return
	}
	if err := e.db.StartRun(res.RunId, res.Workflow, res.Event, e.n); err != nil {
		e.l.Error("failed to record run start", "run", res.RunId, "error", err)
	}
}

func (e *Engine) finishRun(res *models.WorkflowResult) {
	if e.db == nil {
		return
	}
	if err := e.db.FinishRun(res, e.n); err != nil {
		e.l.Error("failed to record run result", "run", res.RunId, "error", err)
	}
}

func (e *Engine) statusJob(job *models.Job, name string, status models.StatusKind, reason string) {
	if e.db == nil {
		return
	}
	err := e.db.StatusJob(db.JobStatus{
		Run:    job.Id.Run,
		Job:    job.Id.Name(),
		Name:   name,
		Status: status,
		Reason: reason,
	}, e.n)
	if err != nil {
		e.l.Error("failed to record job status", "job", job.Id, "error", err)
	}
}
