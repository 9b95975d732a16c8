package workflow

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
)

type EventKind string

const (
	TriggerKindPush        EventKind = "push"
	TriggerKindPullRequest EventKind = "pull_request"
)

func (k EventKind) IsValid() bool {
	switch k {
	case TriggerKindPush, TriggerKindPullRequest:
		return true
	}
	return false
}

// Event is supplied by whoever starts a run. For pull requests Branch is
// the target branch.
type Event struct {
	Kind   EventKind `json:"kind"`
	Branch string    `json:"branch"`
	Ref    string    `json:"ref,omitempty"`
	Commit string    `json:"commit,omitempty"`
	Repo   string    `json:"repo,omitempty"`
}

// BranchName returns the short branch name, falling back to Ref when no
// branch was given.
func (e Event) BranchName() string {
	b := e.Branch
	if b == "" {
		b = e.Ref
	}

	refName := plumbing.ReferenceName(b)
	if refName.IsBranch() {
		return refName.Short()
	}
	return b
}

// FullRef returns Ref, or the refs/heads/ form of the branch.
func (e Event) FullRef() string {
	if e.Ref != "" {
		return e.Ref
	}
	if b := e.BranchName(); b != "" {
		return plumbing.NewBranchReferenceName(b).String()
	}
	return ""
}

type TriggerRule struct {
	Kind           EventKind
	Branches       []string
	BranchesIgnore []string
}

type Triggers []TriggerRule

// Evaluate reports whether any rule fires for the event.
func (t Triggers) Evaluate(e Event) bool {
	for _, r := range t {
		if r.Match(e) {
			return true
		}
	}
	return false
}

func (r TriggerRule) Match(e Event) bool {
	if r.Kind != e.Kind {
		return false
	}

	branch := e.BranchName()

	for _, p := range r.BranchesIgnore {
		if matchPattern(p, branch) {
			return false
		}
	}

	// no branch filter, every branch
	if len(r.Branches) == 0 {
		return true
	}

	for _, p := range r.Branches {
		if matchPattern(p, branch) {
			return true
		}
	}

	return false
}

// patterns are validated at compile time; a bad pattern never matches
func matchPattern(pattern, branch string) bool {
	ok, err := doublestar.Match(pattern, branch)
	return err == nil && ok
}
