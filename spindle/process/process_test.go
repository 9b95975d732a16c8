package process

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"success", "true", 0},
		{"failure", "exit 3", 3},
		{"false", "false", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := Run(context.Background(), Spec{Args: []string{"sh", "-c", tt.script}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestRun_CapturesOutputAndEnv(t *testing.T) {
	var stdout, stderr bytes.Buffer
	status, err := Run(context.Background(), Spec{
		Args:   []string{"sh", "-c", `echo "out $GREETING"; echo err >&2; pwd`},
		Env:    []string{"GREETING=hello"},
		Dir:    t.TempDir(),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Contains(t, stdout.String(), "out hello")
	assert.Equal(t, "err\n", stderr.String())
}

func TestRun_KillsTreeOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// the shell waits on a child; killing only the shell would leave sleep
	// holding the output pipe open
	_, err := Run(ctx, Spec{
		Args:        []string{"sh", "-c", "sleep 30 & wait"},
		Stdout:      &bytes.Buffer{},
		GracePeriod: 500 * time.Millisecond,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Spec{Args: []string{"true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_StartFailure(t *testing.T) {
	_, err := Run(context.Background(), Spec{Args: []string{"/definitely/not/here"}})
	assert.Error(t, err)
}

func TestRun_BackgroundChildDoesNotHoldOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	start := time.Now()
	// sleep inherits stdout and outlives the shell
	status, err := Run(ctx, Spec{
		Args:   []string{"sh", "-c", "sleep 20 & echo started"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "started\n", stdout.String())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_BackgroundChildKeepsExitStatus(t *testing.T) {
	status, err := Run(context.Background(), Spec{
		Args:   []string{"sh", "-c", "sleep 20 & exit 4"},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, status)
}

func TestRun_SharedWriterKeepsOrder(t *testing.T) {
	var out bytes.Buffer
	status, err := Run(context.Background(), Spec{
		Args:   []string{"sh", "-c", "echo one; echo two >&2; echo three"},
		Stdout: &out,
		Stderr: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "one\ntwo\nthree\n", out.String())
}
