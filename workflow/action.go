package workflow

import (
	"fmt"
	"strings"
)

// ActionRef is the parsed form of a step's `uses`:
//
//	owner/name@version
//	owner/name/sub/path@version
//	./path/inside/workspace
type ActionRef struct {
	Owner   string
	Name    string
	Path    string
	Version string
	Local   bool
}

func ParseActionRef(uses string) (ActionRef, error) {
	uses = strings.TrimSpace(uses)

	if strings.HasPrefix(uses, "./") {
		p := strings.TrimPrefix(uses, "./")
		if p == "" || strings.Contains(p, "@") {
			return ActionRef{}, fmt.Errorf("%w: %q", ErrInvalidActionRef, uses)
		}
		return ActionRef{Path: p, Local: true}, nil
	}

	name, version, ok := strings.Cut(uses, "@")
	if !ok || version == "" {
		return ActionRef{}, fmt.Errorf("%w: %q: missing @version", ErrInvalidActionRef, uses)
	}

	parts := strings.Split(name, "/")
	if len(parts) < 2 {
		return ActionRef{}, fmt.Errorf("%w: %q: expected owner/name", ErrInvalidActionRef, uses)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return ActionRef{}, fmt.Errorf("%w: %q", ErrInvalidActionRef, uses)
		}
	}

	return ActionRef{
		Owner:   parts[0],
		Name:    parts[1],
		Path:    strings.Join(parts[2:], "/"),
		Version: version,
	}, nil
}

// Repo is owner/name.
func (a ActionRef) Repo() string {
	return a.Owner + "/" + a.Name
}

func (a ActionRef) String() string {
	if a.Local {
		return "./" + a.Path
	}
	s := a.Repo()
	if a.Path != "" {
		s += "/" + a.Path
	}
	return s + "@" + a.Version
}
