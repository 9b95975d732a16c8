package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/engine"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

const (
	// the job root is mounted here; the workspace is jobDir/workspace
	jobDir = "/loom"
)

type cleanupFunc func(context.Context) error

// Engine runs every step in a fresh container. Containers of one job share
// a network and the job directory, bind mounted from the host.
type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type jobData struct {
	image string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return NewWithClient(ctx, cfg, dcli), nil
}

func NewWithClient(ctx context.Context, cfg *config.Config, dcli client.APIClient) *Engine {
	l := log.SubLogger(log.FromContext(ctx), "docker")

	return &Engine{
		docker:  dcli,
		l:       l,
		cfg:     cfg,
		cleanup: make(map[string][]cleanupFunc),
	}
}

// labels understood in runs-on, anything else that looks like an image
// reference is used as is
var runnerImages = map[string]string{
	"ubuntu-latest": "ubuntu:24.04",
	"ubuntu-24.04":  "ubuntu:24.04",
	"ubuntu-22.04":  "ubuntu:22.04",
	"debian-latest": "debian:bookworm",
	"alpine-latest": "alpine:latest",
}

func imageFor(runsOn, defaultImage string) string {
	if runsOn == "" {
		return defaultImage
	}
	if img, ok := runnerImages[runsOn]; ok {
		return img
	}
	if strings.ContainsAny(runsOn, ":/") {
		return runsOn
	}
	return defaultImage
}

// SetupJob creates the job's network and pulls its image. Both are
// released by DestroyJob.
func (e *Engine) SetupJob(ctx context.Context, job *models.Job) error {
	img := imageFor(job.Spec.RunsOn, e.cfg.Docker.DefaultImage)
	e.l.Info("setting up job", "job", job.Id, "image", img)

	_, err := e.docker.NetworkCreate(ctx, networkName(job.Id), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(job.Id, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(job.Id))
	})

	err = retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Attempts(e.cfg.Docker.PullAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("image pull failed, retrying", "image", img, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		e.l.Error("image pull failed!", "image", img, "job", job.Id, "error", err)
		return fmt.Errorf("pulling image: %w", err)
	}

	job.Data = jobData{image: img}
	return nil
}

func (e *Engine) JobPath(job *models.Job, rel ...string) string {
	return path.Join(append([]string{jobDir}, rel...)...)
}

func (e *Engine) RunCommand(ctx context.Context, job *models.Job, cmd *models.Command) (int, error) {
	data, ok := job.Data.(jobData)
	if !ok {
		return -1, errors.New("job was not set up")
	}

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}

	envs := models.ConstructEnvs(cmd.Env)
	envs.AddEnv("HOME", e.JobPath(job, models.WorkspaceDir))

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      data.image,
		Cmd:        cmd.Args,
		WorkingDir: cmd.Dir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs.Slice(),
	}, hostConfig(job), nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(job.Id), resp.ID, nil)
	if err != nil {
		return -1, fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return -1, err
	}
	e.l.Info("started container", "name", resp.ID, "job", job.Id)

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, resp.ID, cmd.Stdout, cmd.Stderr)
	}()

	// wait for container completion or cancellation
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		// wait for tailing to complete
		if err := <-tailDone; err != nil {
			e.l.Error("failed to tail container", "container", resp.ID, "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID)
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return -1, ctx.Err()
	}

	if waitErr != nil {
		return -1, waitErr
	}

	if state.OOMKilled {
		e.l.Error("step was oom killed", "container", resp.ID, "exit_code", state.ExitCode)
		return state.ExitCode, engine.ErrOOMKilled
	}

	return state.ExitCode, nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Debug("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, job *models.Job) error {
	e.cleanupMu.Lock()
	key := job.Id.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", job.Id, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("loom-job-%s", jid)
}

func hostConfig(job *models.Job) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: job.Root,
				Target: jobDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER", "CAP_SETUID", "CAP_SETGID"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
