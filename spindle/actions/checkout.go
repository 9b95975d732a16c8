package actions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

const CheckoutRepo = "actions/checkout"

// Checkout clones the event's repository into the workspace.
//
// Inputs: repository (default: the event repo), ref (default: the event
// ref), path (default: the workspace root), fetch-depth (default 1, 0 for
// full history). A commit pinned by the event forces a full clone so it
// can be checked out.
type Checkout struct {
	// prefix for repositories given as owner/name
	CloneBase string
}

func (c *Checkout) Invoke(ctx context.Context, inv Invocation) (*Exit, error) {
	repo := inv.Inputs["repository"]
	if repo == "" {
		repo = inv.Event.Repo
	}
	if repo == "" {
		return nil, errors.New("checkout: no repository given and the event has none")
	}
	url := c.url(repo)

	dest, err := securejoin.SecureJoin(inv.Workspace, inv.Inputs["path"])
	if err != nil {
		return nil, err
	}

	depth := 1
	if fd := inv.Inputs["fetch-depth"]; fd != "" {
		depth, err = strconv.Atoi(fd)
		if err != nil || depth < 0 {
			return nil, fmt.Errorf("checkout: invalid fetch-depth %q", fd)
		}
	}

	ref := inv.Inputs["ref"]
	commit := ""
	if ref == "" {
		ref = inv.Event.FullRef()
		commit = inv.Event.Commit
	}
	if commit != "" {
		depth = 0
	}

	r, err := git.PlainOpen(dest)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		fmt.Fprintf(inv.Stdout, "cloning %s into %s\n", url, dest)
		opts := &git.CloneOptions{
			URL:      url,
			Depth:    depth,
			Progress: inv.Stderr,
		}
		if ref != "" {
			opts.ReferenceName = referenceName(ref)
			opts.SingleBranch = true
		}
		r, err = git.PlainCloneContext(ctx, dest, false, opts)
		if err != nil {
			return nil, fmt.Errorf("checkout: cloning %s: %w", url, err)
		}

	case err == nil:
		// a repeated checkout refreshes what an earlier one cloned
		fmt.Fprintf(inv.Stdout, "updating existing checkout in %s\n", dest)
		err = r.FetchContext(ctx, &git.FetchOptions{
			RemoteName: git.DefaultRemoteName,
			Depth:      depth,
			Progress:   inv.Stderr,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("checkout: fetching: %w", err)
		}

	default:
		return nil, fmt.Errorf("checkout: opening %s: %w", dest, err)
	}

	if commit != "" {
		wt, err := r.Worktree()
		if err != nil {
			return nil, err
		}
		err = wt.Checkout(&git.CheckoutOptions{
			Hash:  plumbing.NewHash(commit),
			Force: true,
		})
		if err != nil {
			return nil, fmt.Errorf("checkout: commit %s: %w", commit, err)
		}
	}

	head, err := r.Head()
	if err != nil {
		return nil, fmt.Errorf("checkout: resolving HEAD: %w", err)
	}
	fmt.Fprintf(inv.Stdout, "HEAD is now at %s\n", head.Hash())

	return &Exit{
		Status: 0,
		Outputs: map[string]string{
			"commit": head.Hash().String(),
			"ref":    head.Name().String(),
		},
	}, nil
}

func (c *Checkout) url(repo string) string {
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") || filepath.IsAbs(repo) {
		return repo
	}
	base := c.CloneBase
	if base == "" {
		base = "https://github.com"
	}
	return strings.TrimSuffix(base, "/") + "/" + repo
}

func referenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}
