package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	ScopeMatrix = "matrix"
	ScopeEnv    = "env"
	ScopeSteps  = "steps"
	ScopeEvent  = "event"
	ScopeGithub = "github"
	ScopeJob    = "job"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// UnresolvedVariableError names a reference that has no value in the
// context it was resolved against.
type UnresolvedVariableError struct {
	Key string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("unresolved variable: %s", e.Key)
}

// TemplateError is a placeholder that does not follow the
// ${{ scope.name }} grammar.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("invalid template %q: %s", e.Template, e.Reason)
}

type Reference struct {
	Scope string
	Path  []string
}

func (r Reference) String() string {
	return r.Scope + "." + strings.Join(r.Path, ".")
}

// StepContext is what a finished step exposes to later steps.
type StepContext struct {
	Outcome string
	Outputs map[string]string
}

type JobInfo struct {
	Name  string
	Index int
}

// Context holds everything a template of one job may reference. It is
// owned by a single job runner.
type Context struct {
	Matrix map[string]string
	Env    map[string]string
	Event  Event
	Job    JobInfo
	Steps  map[string]StepContext
}

// WithEnv returns a shallow copy whose env scope is extended by env.
func (c *Context) WithEnv(env map[string]string) *Context {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	cc := *c
	cc.Env = merged
	return &cc
}

// SetStep records a finished step; later templates can see its outputs.
func (c *Context) SetStep(id string, sc StepContext) {
	if c.Steps == nil {
		c.Steps = make(map[string]StepContext)
	}
	c.Steps[id] = sc
}

func ParseReference(expr string) (Reference, error) {
	parts := strings.Split(expr, ".")
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return Reference{}, fmt.Errorf("%q is not a variable reference", expr)
		}
	}

	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("%q is missing a name", expr)
	}

	ref := Reference{Scope: parts[0], Path: parts[1:]}
	switch ref.Scope {
	case ScopeMatrix, ScopeEnv, ScopeEvent, ScopeGithub, ScopeJob:
		if len(ref.Path) != 1 {
			return Reference{}, fmt.Errorf("%q: expected %s.<name>", expr, ref.Scope)
		}
	case ScopeSteps:
		switch {
		case len(ref.Path) == 3 && ref.Path[1] == "outputs":
		case len(ref.Path) == 2 && ref.Path[1] == "outcome":
		default:
			return Reference{}, fmt.Errorf("%q: expected steps.<id>.outputs.<name> or steps.<id>.outcome", expr)
		}
	default:
		return Reference{}, fmt.Errorf("%q: unknown scope %q", expr, ref.Scope)
	}

	return ref, nil
}

type segment struct {
	literal string
	ref     *Reference
}

// parseTemplate splits a template into literal text and references.
func parseTemplate(template string) ([]segment, error) {
	var segs []segment

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			segs = append(segs, segment{literal: template[i:]})
			break
		}
		if idx > 0 {
			segs = append(segs, segment{literal: template[i : i+idx]})
		}

		start := i + idx + 3
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return nil, &TemplateError{Template: template, Reason: "unclosed ${{"}
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		if strings.Contains(expr, "${{") {
			return nil, &TemplateError{Template: template, Reason: "nested ${{ is not allowed"}
		}
		if expr == "" {
			return nil, &TemplateError{Template: template, Reason: "empty reference"}
		}

		ref, err := ParseReference(expr)
		if err != nil {
			return nil, &TemplateError{Template: template, Reason: err.Error()}
		}
		segs = append(segs, segment{ref: &ref})

		i = end + 2
	}

	return segs, nil
}

// References lists the references of a template in order of appearance.
func References(template string) ([]Reference, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}

	var refs []Reference
	for _, s := range segs {
		if s.ref != nil {
			refs = append(refs, *s.ref)
		}
	}
	return refs, nil
}

// Resolve substitutes every placeholder in one left to right pass.
// Substituted values are never scanned again.
func Resolve(template string, c *Context) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	segs, err := parseTemplate(template)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(template))
	for _, s := range segs {
		if s.ref == nil {
			b.WriteString(s.literal)
			continue
		}
		v, err := c.Lookup(*s.ref)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}

	return b.String(), nil
}

// ResolveMap resolves every value of m. Keys are left alone.
func ResolveMap(m map[string]string, c *Context) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}

	out := make(map[string]string, len(m))
	for k, tpl := range m {
		v, err := Resolve(tpl, c)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (c *Context) Lookup(ref Reference) (string, error) {
	missing := &UnresolvedVariableError{Key: ref.String()}
	name := ref.Path[0]

	switch ref.Scope {
	case ScopeMatrix:
		if v, ok := c.Matrix[name]; ok {
			return v, nil
		}

	case ScopeEnv:
		if v, ok := c.Env[name]; ok {
			return v, nil
		}

	case ScopeSteps:
		sc, ok := c.Steps[name]
		if !ok {
			return "", missing
		}
		if ref.Path[1] == "outcome" {
			return sc.Outcome, nil
		}
		if v, ok := sc.Outputs[ref.Path[2]]; ok {
			return v, nil
		}

	case ScopeEvent:
		switch name {
		case "kind":
			return string(c.Event.Kind), nil
		case "branch":
			return c.Event.BranchName(), nil
		case "ref":
			return c.Event.FullRef(), nil
		case "commit":
			return c.Event.Commit, nil
		case "repo":
			return c.Event.Repo, nil
		}

	case ScopeGithub:
		switch name {
		case "event_name":
			return string(c.Event.Kind), nil
		case "ref":
			return c.Event.FullRef(), nil
		case "ref_name":
			return c.Event.BranchName(), nil
		case "sha":
			return c.Event.Commit, nil
		case "repository":
			return c.Event.Repo, nil
		}

	case ScopeJob:
		switch name {
		case "name":
			return c.Job.Name, nil
		case "index":
			return strconv.Itoa(c.Job.Index), nil
		}
	}

	return "", missing
}
