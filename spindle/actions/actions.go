package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/loom/workflow"
)

var (
	ErrNotFound      = errors.New("action not found")
	ErrNotExecutable = errors.New("action is not executable")
)

// ExecutableName is the file an action directory must provide.
const ExecutableName = "action"

// Invocation is everything an action gets to see. Paths are host paths.
type Invocation struct {
	Ref        workflow.ActionRef
	Inputs     map[string]string
	Env        map[string]string
	Workspace  string
	Dir        string
	OutputFile string
	Event      workflow.Event
	Stdout     io.Writer
	Stderr     io.Writer
}

type Exit struct {
	Status int
	// outputs reported directly, on top of those written to the output file
	Outputs map[string]string
}

type Action interface {
	Invoke(ctx context.Context, inv Invocation) (*Exit, error)
}

// Registry resolves `uses` references. Built-ins win, then paths inside
// the job workspace, then the actions directory laid out as
// <owner>/<name>/<version>[/<path>]/action.
type Registry struct {
	dir      string
	builtins map[string]Action
}

func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		builtins: make(map[string]Action),
	}
}

// Register makes a built-in available under owner/name, for every version.
func (r *Registry) Register(repo string, a Action) {
	r.builtins[repo] = a
}

func (r *Registry) Lookup(ref workflow.ActionRef, workspace string) (Action, error) {
	if ref.Local {
		p, err := securejoin.SecureJoin(workspace, ref.Path)
		if err != nil {
			return nil, err
		}
		return executableAt(p)
	}

	if a, ok := r.builtins[ref.Repo()]; ok && ref.Path == "" {
		return a, nil
	}

	if r.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	p, err := securejoin.SecureJoin(r.dir, filepath.Join(ref.Owner, ref.Name, ref.Version, ref.Path))
	if err != nil {
		return nil, err
	}
	return executableAt(p)
}

// executableAt accepts either the executable itself or a directory
// holding one.
func executableAt(p string) (Action, error) {
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		p = filepath.Join(p, ExecutableName)
		fi, err = os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		if err != nil {
			return nil, err
		}
	}

	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, p)
	}

	return &executable{path: p}, nil
}

// InputEnvName is the variable an input is exported as: INPUT_ followed
// by the upper-cased name, non alphanumerics replaced with underscores.
func InputEnvName(name string) string {
	var b strings.Builder
	b.WriteString("INPUT_")
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
