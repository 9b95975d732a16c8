package spindle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dgraph-io/ristretto"
	"tangled.sh/tangled.sh/loom/workflow"
)

const workflowGlob = "**/*.{yml,yaml}"

type cachedDefinition struct {
	modTime time.Time
	size    int64
	def     *workflow.Definition
	err     error
}

// definitions compiles the workflow files of a directory. Compiled files
// are cached until their size or modification time changes.
type definitions struct {
	dir   string
	cache *ristretto.Cache
	l     *slog.Logger
}

func newDefinitions(dir string, l *slog.Logger) (*definitions, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &definitions{
		dir:   dir,
		cache: cache,
		l:     l,
	}, nil
}

// Load returns every valid workflow in the directory, by file name.
// Invalid files are logged and left out.
func (d *definitions) Load() ([]*workflow.Definition, error) {
	if _, err := os.Stat(d.dir); err != nil {
		return nil, fmt.Errorf("workflows dir: %w", err)
	}

	matches, err := doublestar.Glob(os.DirFS(d.dir), workflowGlob)
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)

	defs := make([]*workflow.Definition, 0, len(matches))
	for _, m := range matches {
		def, err := d.load(m)
		if err != nil {
			d.l.Warn("skipping invalid workflow", "file", m, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d *definitions) load(rel string) (*workflow.Definition, error) {
	path := filepath.Join(d.dir, rel)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if v, ok := d.cache.Get(path); ok {
		c := v.(*cachedDefinition)
		if c.modTime.Equal(fi.ModTime()) && c.size == fi.Size() {
			return c.def, c.err
		}
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	def, diags, err := workflow.Load(rel, contents)
	for _, w := range diags.Warnings {
		d.l.Warn("workflow warning", "warning", w.String())
	}

	d.cache.Set(path, &cachedDefinition{
		modTime: fi.ModTime(),
		size:    fi.Size(),
		def:     def,
		err:     err,
	}, 1)

	return def, err
}
