package actions

import (
	"context"
	"os"

	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/spindle/process"
)

// executable is an action shipped as a program. It runs on the host, in
// the step's working directory, with inputs exported as INPUT_* variables.
type executable struct {
	path string
}

func (x *executable) Invoke(ctx context.Context, inv Invocation) (*Exit, error) {
	env := make(map[string]string, len(inv.Env)+len(inv.Inputs))
	for k, v := range inv.Env {
		env[k] = v
	}
	for k, v := range inv.Inputs {
		env[InputEnvName(k)] = v
	}

	status, err := process.Run(ctx, process.Spec{
		Args:   []string{x.path},
		Dir:    inv.Dir,
		Env:    models.MergeEnvs(os.Environ(), env).Slice(),
		Stdout: inv.Stdout,
		Stderr: inv.Stderr,
	})
	if err != nil {
		return nil, err
	}

	return &Exit{Status: status}, nil
}
