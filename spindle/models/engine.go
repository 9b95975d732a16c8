package models

import (
	"context"
	"io"
	"path/filepath"

	"tangled.sh/tangled.sh/loom/workflow"
)

// Layout of a job's root directory.
const (
	WorkspaceDir = "workspace"
	// step output files and other engine bookkeeping
	MetaDir = "meta"
)

// Job is one matrix variant of one declared job, as seen by a backend.
type Job struct {
	Id      JobId
	Spec    *workflow.JobSpec
	Variant workflow.Variant
	Event   workflow.Event

	// host directory owned by this job alone
	Root string

	// backend private state
	Data any
}

// Workspace is the host path of the job's workspace.
func (j *Job) Workspace() string {
	return filepath.Join(j.Root, WorkspaceDir)
}

// Meta is the host path of the job's meta directory.
func (j *Job) Meta() string {
	return filepath.Join(j.Root, MetaDir)
}

// Command is a shell invocation of a run step.
type Command struct {
	Args []string
	Env  map[string]string
	// as seen by the backend, see Engine.JobPath
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Engine is a backend that runs commands for jobs: plain host processes,
// containers, ...
type Engine interface {
	SetupJob(ctx context.Context, job *Job) error

	// JobPath translates a path relative to the job root into the path
	// commands see.
	JobPath(job *Job, rel ...string) string

	// RunCommand blocks until the command exits and returns its exit
	// status. When ctx is done the command's process tree is killed.
	RunCommand(ctx context.Context, job *Job, cmd *Command) (int, error)

	DestroyJob(ctx context.Context, job *Job) error
}
