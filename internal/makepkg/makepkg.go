// Package makepkg drives the Arch build toolchain.
//
// PKGBUILDs are third-party content. Every invocation here runs as the
// unprivileged build account, never as the caller.
package makepkg

import (
	"context"
	"path/filepath"
	"strings"

	"nvhelper/internal/errs"
	"nvhelper/internal/runner"
)

// Env is the environment makepkg runs with.
type Env struct {
	User    string // build account
	PkgDest string // PKGDEST: where finished packages land
	Home    string // HOME of the build account for this run
}

func (e Env) vars() map[string]string {
	return map[string]string{
		"PKGDEST": e.PkgDest,
		"HOME":    e.Home,
	}
}

// Builder runs makepkg in prepared build directories.
type Builder struct {
	Runner runner.Runner
}

// NewBuilder returns a Builder using r.
func NewBuilder(r runner.Runner) *Builder {
	return &Builder{Runner: r}
}

func (b *Builder) command(dir string, env Env, desc string, args ...string) (runner.Command, error) {
	if env.User == "" || env.User == "root" {
		return runner.Command{}, errs.New(errs.KindConfig, desc, "refusing to run makepkg as %q", env.User)
	}
	return runner.Command{
		Desc:   desc,
		Name:   "makepkg",
		Args:   args,
		Dir:    dir,
		Env:    env.vars(),
		AsUser: env.User,
	}, nil
}

// Build forces a full rebuild in dir, installing missing build dependencies
// without prompting.
func (b *Builder) Build(ctx context.Context, dir string, env Env) error {
	cmd, err := b.command(dir, env, "makepkg "+filepath.Base(dir), "-f", "--noconfirm", "--needed")
	if err != nil {
		return err
	}
	if err := b.Runner.Stream(ctx, cmd); err != nil {
		return errs.Op("build "+filepath.Base(dir), err)
	}
	return nil
}

// ListArtifacts asks makepkg which package files the build in dir produces.
// Nothing is rebuilt.
func (b *Builder) ListArtifacts(ctx context.Context, dir string, env Env) ([]string, error) {
	cmd, err := b.command(dir, env, "makepkg --packagelist", "--packagelist")
	if err != nil {
		return nil, err
	}
	res, err := b.Runner.Capture(ctx, cmd)
	if err != nil {
		return nil, errs.Op("list packages of "+filepath.Base(dir), err)
	}
	return parseList(res.Stdout), nil
}

func parseList(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			pkgs = append(pkgs, line)
		}
	}
	return pkgs
}
