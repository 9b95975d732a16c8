// Package process runs host commands in their own process group so that a
// timeout or cancellation takes down the whole tree, not just the shell.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// how long a tree gets between SIGTERM and SIGKILL
const DefaultGracePeriod = 5 * time.Second

type Spec struct {
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer

	GracePeriod time.Duration
}

// Run starts the command and waits for it. A non-zero exit is not an
// error: it is returned as the status. When ctx is done the process group
// is terminated and ctx's error is returned.
//
// The command is over when its leader exits. Whatever it left running in
// the background is killed then, so a detached child holding stdout open
// cannot keep the step alive.
func Run(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Args) == 0 {
		return -1, errors.New("no command")
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	grace := spec.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	// after Cancel, the leader gets SIGKILL once this has passed
	cmd.WaitDelay = grace

	var copiers []*copier
	if spec.Stdout != nil {
		stdout, err := pipe(spec.Stdout, &copiers)
		if err != nil {
			return -1, err
		}
		cmd.Stdout = stdout
	}
	if sameWriter(spec.Stdout, spec.Stderr) {
		cmd.Stderr = cmd.Stdout
	} else if spec.Stderr != nil {
		stderr, err := pipe(spec.Stderr, &copiers)
		if err != nil {
			closeAll(copiers)
			return -1, err
		}
		cmd.Stderr = stderr
	}

	startErr := cmd.Start()
	// the child has its own copies of the write ends
	for _, c := range copiers {
		c.w.Close()
	}
	if startErr != nil {
		closeAll(copiers)
		return -1, fmt.Errorf("starting command: %w", startErr)
	}

	waitErr := cmd.Wait()

	// the leader is gone; take the rest of its group with it
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	drain(copiers, grace)

	if waitErr != nil && ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return exitStatus(waitErr)
}

// copier moves one pipe of the child's output into a writer.
type copier struct {
	r, w *os.File
	done chan struct{}
}

// pipe gives the child an *os.File to write to, so that Wait returns as
// soon as the process exits instead of when every holder of the pipe has
// closed it.
func pipe(dst io.Writer, copiers *[]*copier) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}

	c := &copier{r: r, w: w, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_, _ = io.Copy(dst, r)
	}()

	*copiers = append(*copiers, c)
	return w, nil
}

// drain waits for the copiers to reach EOF. A descendant that escaped the
// process group could hold a pipe forever, so after grace the read ends
// are closed regardless.
func drain(copiers []*copier, grace time.Duration) {
	deadline := time.After(grace)
	for _, c := range copiers {
		select {
		case <-c.done:
		case <-deadline:
			closeAll(copiers)
			<-c.done
		}
	}
	closeAll(copiers)
}

func closeAll(copiers []*copier) {
	for _, c := range copiers {
		c.w.Close()
		c.r.Close()
	}
}

// sameWriter reports whether both streams go to one writer, so they can
// share a pipe and keep their relative order. Writers that cannot be
// compared are treated as different.
func sameWriter(a, b io.Writer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a != nil && a == b
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("waiting for command: %w", err)
}
