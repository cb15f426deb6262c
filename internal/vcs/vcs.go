// Package vcs checks out a build configuration's source-control root.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	log "github.com/sirupsen/logrus"
)

// Root is a resolved repository location.
type Root struct {
	ID     string
	URL    string
	Branch string
}

// Checkout clones root into dir. An existing clone in dir is fetched and
// fast-forwarded instead.
func Checkout(ctx context.Context, root Root, dir string, logger log.FieldLogger) error {
	if root.URL == "" {
		return fmt.Errorf("vcs root %s has no url", root.ID)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{
		"root": root.ID,
		"url":  root.URL,
		"dest": dir,
	})
	progress := entry.WriterLevel(log.DebugLevel)
	defer progress.Close()

	if _, err := os.Stat(dir); err == nil {
		repo, err := git.PlainOpen(dir)
		if err == nil {
			entry.Info("VCS: updating checkout")
			return pull(ctx, repo, root, progress)
		}
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return fmt.Errorf("open checkout %s: %w", dir, err)
		}
	}

	entry.Info("VCS: cloning")
	opts := &git.CloneOptions{
		URL:      root.URL,
		Progress: progress,
	}
	if root.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(root.Branch)
		opts.SingleBranch = true
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", root.URL, err)
	}
	return nil
}

func pull(ctx context.Context, repo *git.Repository, root Root, progress io.Writer) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	opts := &git.PullOptions{RemoteName: git.DefaultRemoteName, Progress: progress}
	if root.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(root.Branch)
	}
	if err := wt.PullContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull %s: %w", root.URL, err)
	}
	return nil
}

// Head returns the commit hash checked out in dir.
func Head(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}
