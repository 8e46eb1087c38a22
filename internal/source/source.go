// Package source keeps local mirrors of the AUR repositories up to date.
//
// Updates are fast-forward only. If upstream history was rewritten the sync
// fails instead of merging or rebasing: silently absorbing rewritten history
// into a privileged build is not acceptable.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/log"
	"nvhelper/internal/runner"
)

// Syncer produces up-to-date working copies under Root.
type Syncer struct {
	Runner runner.Runner
	Root   string // local mirror root
	Remote string // base URL; repository URL is Remote/<name>.git
}

// NewSyncer returns a Syncer cloning from remote into root.
func NewSyncer(r runner.Runner, root, remote string) *Syncer {
	return &Syncer{Runner: r, Root: root, Remote: remote}
}

// Path is where the mirror of name lives.
func (s *Syncer) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// URL is the remote repository of name.
func (s *Syncer) URL(name string) string {
	return fmt.Sprintf("%s/%s.git", s.Remote, name)
}

// Ensure clones name if there is no local mirror yet; otherwise it discards
// local changes, removes untracked files and fast-forwards to the remote.
func (s *Syncer) Ensure(ctx context.Context, name string) (string, error) {
	dir := s.Path(name)
	_, err := os.Stat(dir)
	switch {
	case err == nil:
		if err := s.update(ctx, name, dir); err != nil {
			return "", err
		}
	case os.IsNotExist(err):
		if err := s.git(ctx, "git clone "+name, "clone", s.URL(name), dir); err != nil {
			return "", errs.Wrap(errs.KindSync, "clone "+name, err)
		}
	default:
		return "", errs.Wrap(errs.KindIO, "stat "+dir, err)
	}

	if rev, err := Revision(dir); err == nil {
		console.Info("%s at %s", name, shortHash(rev))
	} else {
		log.WithRepo(name).Warn("could not read revision", "err", err)
	}
	return dir, nil
}

func (s *Syncer) update(ctx context.Context, name, dir string) error {
	steps := []struct {
		desc string
		args []string
	}{
		{"git reset --hard in " + name, []string{"-C", dir, "reset", "--hard"}},
		{"git clean -fdx in " + name, []string{"-C", dir, "clean", "-fdx"}},
		{"git pull " + name, []string{"-C", dir, "pull", "--ff-only"}},
	}
	for _, st := range steps {
		if err := s.git(ctx, st.desc, st.args...); err != nil {
			return errs.Wrap(errs.KindSync, "sync "+name, err)
		}
	}
	return nil
}

func (s *Syncer) git(ctx context.Context, desc string, args ...string) error {
	return s.Runner.Stream(ctx, runner.Command{
		Desc: desc,
		Name: "git",
		Args: args,
		// never prompt for credentials on a root-run, unattended build
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
}

// Revision returns the commit hash checked out in dir.
func Revision(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD in %s: %w", dir, err)
	}
	return head.Hash().String(), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
