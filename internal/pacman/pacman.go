// Package pacman talks to the host package manager: installed-state queries,
// installs, removals, and the multilib filter for built packages.
package pacman

import (
	"context"
	"path/filepath"
	"strings"

	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/runner"
)

// Manager wraps pacman invocations.
type Manager struct {
	Runner runner.Runner
}

// New returns a Manager using r.
func New(r runner.Runner) *Manager {
	return &Manager{Runner: r}
}

// IsInstalled reports whether pkg is in the local database.
func (m *Manager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	ok, err := m.Runner.Probe(ctx, runner.Command{
		Desc: "check installed package " + pkg,
		Name: "pacman",
		Args: []string{"-Qi", pkg},
	})
	if err != nil {
		return false, errs.Op("failed to check installed package "+pkg, err)
	}
	return ok, nil
}

// Available reports whether pkg is in any configured sync database.
func (m *Manager) Available(ctx context.Context, pkg string) (bool, error) {
	ok, err := m.Runner.Probe(ctx, runner.Command{
		Desc: "check sync database for " + pkg,
		Name: "pacman",
		Args: []string{"-Si", pkg},
	})
	if err != nil {
		return false, errs.Op("failed to query sync database for "+pkg, err)
	}
	return ok, nil
}

// SecondaryArchAvailable reports whether multilib packages can be installed,
// judged by whether probe (lib32-glibc) is available.
func (m *Manager) SecondaryArchAvailable(ctx context.Context, probe string) (bool, error) {
	ok, err := m.Available(ctx, probe)
	if err != nil {
		return false, errs.Op("failed to check multilib availability", err)
	}
	return ok, nil
}

// RemoveConflicting removes those of candidates that are installed, skipping
// dependency checks since the caller is about to install replacements. It
// returns what was removed; nothing installed is a no-op, not an error.
func (m *Manager) RemoveConflicting(ctx context.Context, candidates []string) ([]string, error) {
	var installed []string
	for _, p := range candidates {
		ok, err := m.IsInstalled(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			installed = append(installed, p)
		}
	}
	if len(installed) == 0 {
		console.Info("No conflicting packages to remove")
		return nil, nil
	}

	err := m.Runner.Stream(ctx, runner.Command{
		Desc: "Removing conflicting packages (pacman -Rdd)",
		Name: "pacman",
		Args: append([]string{"-Rdd", "--noconfirm"}, installed...),
	})
	if err != nil {
		return nil, errs.Op("remove conflicting packages", err)
	}
	return installed, nil
}

// Sync refreshes the databases, upgrades the system and installs packages
// not already present.
func (m *Manager) Sync(ctx context.Context, desc string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	err := m.Runner.Stream(ctx, runner.Command{
		Desc: desc,
		Name: "pacman",
		Args: append([]string{"--noconfirm", "--needed", "-Syu"}, packages...),
	})
	if err != nil {
		return errs.Op(desc, err)
	}
	return nil
}

// Install installs local package files. An empty list is a no-op.
func (m *Manager) Install(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	err := m.Runner.Stream(ctx, runner.Command{
		Desc: "Installing built packages (pacman -U)",
		Name: "pacman",
		Args: append([]string{"-U", "--noconfirm", "--needed"}, paths...),
	})
	if err != nil {
		return errs.Op("install built packages", err)
	}
	return nil
}

// Filter drops packages whose file name starts with marker unless the host
// can install secondary-architecture packages.
func Filter(pkgs []string, secondaryArchCapable bool, marker string) []string {
	if secondaryArchCapable || marker == "" {
		return pkgs
	}
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if !strings.HasPrefix(filepath.Base(p), marker) {
			out = append(out, p)
		}
	}
	return out
}
