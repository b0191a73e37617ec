// Package git wraps the git repository backing a flow project.
//
// It is implemented with go-git (pure Go, no git binary dependency).
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Author identifies who made a change for git commits.
type Author struct {
	Name  string
	Email string
}

// Repo is a project's git repository.
type Repo struct {
	dir          string
	defaultName  string
	defaultEmail string
	repo         *gogit.Repository
	mu           sync.Mutex
}

// Open opens the repository at dir, initializing it when dir is not a
// repository yet.
func Open(_ context.Context, dir, defaultName, defaultEmail string) (*Repo, error) {
	if defaultName == "" {
		defaultName = "flowtabs"
	}
	if defaultEmail == "" {
		defaultEmail = "flowtabs@localhost"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}

	return &Repo{
		dir:          dir,
		defaultName:  defaultName,
		defaultEmail: defaultEmail,
		repo:         repo,
	}, nil
}

// CommitTx executes fn while holding a lock and commits the returned files.
// If fn returns an error or no files, or nothing changed, no commit is made.
func (r *Repo) CommitTx(_ context.Context, author Author, fn func() (msg string, files []string, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, f := range files {
		if _, err := w.Add(f); err != nil {
			return fmt.Errorf("failed to stage %s: %w", f, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	name := author.Name
	email := author.Email
	if name == "" {
		name = r.defaultName
	}
	if email == "" {
		email = r.defaultEmail
	}
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  now,
		},
		Committer: &object.Signature{
			Name:  r.defaultName,
			Email: r.defaultEmail,
			When:  now,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CommitCount returns the number of commits reachable from HEAD; 0 for a
// repository without commit.
func (r *Repo) CommitCount(ctx context.Context) (int, error) {
	if empty, err := r.IsEmpty(ctx); err != nil || empty {
		return 0, err
	}
	iter, err := r.repo.Log(&gogit.LogOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to read history: %w", err)
	}
	n := 0
	err = iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	})
	return n, err
}

// IsEmpty reports whether the repository has no commit.
func (r *Repo) IsEmpty(_ context.Context) (bool, error) {
	_, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return false, nil
}

// HasUnmergedFiles returns true if the index holds conflicting entries.
func (r *Repo) HasUnmergedFiles(_ context.Context) (bool, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return false, fmt.Errorf("failed to read index: %w", err)
	}
	for _, e := range idx.Entries {
		// Merged entries decode as stage 0; index.Merged is not usable here.
		if e.Stage >= index.AncestorMode {
			return true, nil
		}
	}
	return false, nil
}

// IsMerging reports whether a merge is in progress: MERGE_HEAD exists or the
// index has unmerged entries.
func (r *Repo) IsMerging(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(r.dir, gogit.GitDirName, "MERGE_HEAD")); err == nil {
		return true, nil
	}
	return r.HasUnmergedFiles(ctx)
}
