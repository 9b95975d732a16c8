package local

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/spindle/process"
)

// Engine runs commands as plain processes on the host, inside the job's
// directory. There is no isolation beyond the per-job workspace.
type Engine struct {
	l *slog.Logger
}

func New(ctx context.Context) *Engine {
	return &Engine{
		l: log.SubLogger(log.FromContext(ctx), "local"),
	}
}

func (e *Engine) SetupJob(ctx context.Context, job *models.Job) error {
	e.l.Debug("setting up job", "job", job.Id, "root", job.Root)
	return nil
}

func (e *Engine) JobPath(job *models.Job, rel ...string) string {
	return filepath.Join(append([]string{job.Root}, rel...)...)
}

func (e *Engine) RunCommand(ctx context.Context, job *models.Job, cmd *models.Command) (int, error) {
	env := models.MergeEnvs(os.Environ(), cmd.Env)
	e.l.Debug("running command", "job", job.Id, "dir", cmd.Dir)

	return process.Run(ctx, process.Spec{
		Args:   cmd.Args,
		Dir:    cmd.Dir,
		Env:    env.Slice(),
		Stdout: cmd.Stdout,
		Stderr: cmd.Stderr,
	})
}

func (e *Engine) DestroyJob(ctx context.Context, job *models.Job) error {
	return nil
}
