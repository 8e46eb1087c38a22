// Package orchestrator drives one privileged build run from lock to
// teardown.
package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"nvhelper/internal/artifact"
	"nvhelper/internal/config"
	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/identity"
	"nvhelper/internal/lock"
	"nvhelper/internal/log"
	"nvhelper/internal/makepkg"
	"nvhelper/internal/pacman"
	"nvhelper/internal/runner"
	"nvhelper/internal/source"
	"nvhelper/internal/workspace"
)

// Publisher uploads files produced by a run.
type Publisher interface {
	Publish(ctx context.Context, releaseLine string, files ...string) error
}

// Result is what a run produced.
type Result struct {
	// Artifacts are the installed package files, in build order.
	Artifacts   []string
	Transitions []State
	// Report is the written report path, empty when none was written.
	Report string
}

// Orchestrator wires the build steps together. Every field is set by New;
// tests replace the ones they need.
type Orchestrator struct {
	Config     *config.Config
	Catalog    *config.Catalog
	Runner     runner.Runner
	Identities *identity.Manager
	Sources    *source.Syncer
	Scopes     *workspace.Manager
	Builder    *makepkg.Builder
	Packages   *pacman.Manager
	Publisher  Publisher // nil disables publishing
	Now        func() time.Time
}

// New returns an Orchestrator running every external tool through r.
func New(cfg *config.Config, cat *config.Catalog, r runner.Runner) (*Orchestrator, error) {
	scopes, err := workspace.NewManager(cfg.Paths.BuildRoot)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "build root", err)
	}
	return &Orchestrator{
		Config:     cfg,
		Catalog:    cat,
		Runner:     r,
		Identities: identity.NewManager(r),
		Sources:    source.NewSyncer(r, cfg.Paths.SrcRoot, cfg.AURBase),
		Scopes:     scopes,
		Builder:    makepkg.NewBuilder(r),
		Packages:   pacman.New(r),
		Now:        time.Now,
	}, nil
}

type run struct {
	*Orchestrator
	line     config.ReleaseLine
	capable  bool
	uid, gid int
	env      makepkg.Env
	res      *Result
	logger   *slog.Logger
}

func (r *run) enter(s State) {
	r.res.Transitions = append(r.res.Transitions, s)
	r.logger.Debug("state", "state", s.String())
}

// Run builds and installs every repository of releaseLine. Whatever
// happens, the build directory, a build account created by this run and
// the lock are released in that order before Run returns.
func (o *Orchestrator) Run(ctx context.Context, releaseLine string) (*Result, error) {
	line, err := o.Catalog.Lookup(releaseLine)
	if err != nil {
		return nil, err
	}
	r := &run{
		Orchestrator: o,
		line:         line,
		res:          &Result{},
		logger:       log.WithComponent("orchestrator").With("release_line", line.Name),
	}
	started := o.Now()
	r.enter(Init)

	// Teardown must run even when ctx was cancelled by an interrupt.
	cleanupCtx := context.WithoutCancel(ctx)

	l, err := o.acquireLock(ctx)
	if err != nil {
		return r.res, err
	}
	defer func() {
		if cerr := l.Close(); cerr != nil {
			r.logger.Warn("failed to release lock", "path", l.Path(), "err", cerr)
		}
	}()
	r.enter(LockAcquired)

	if err := workspace.EnsureDirs(o.Config.Paths.Roots()...); err != nil {
		return r.res, err
	}
	r.enter(DirsEnsured)

	if _, err := o.Packages.RemoveConflicting(ctx, o.Catalog.Conflicts); err != nil {
		return r.res, err
	}
	r.enter(ConflictsRemoved)

	r.capable, err = o.Packages.SecondaryArchAvailable(ctx, o.Catalog.SecondaryArchProbe)
	if err != nil {
		return r.res, err
	}
	r.logger.Debug("secondary architecture", "available", r.capable)

	id, err := o.Identities.Ensure(ctx, o.Config.BuildUser, o.Config.BuildHome)
	if err != nil {
		return r.res, err
	}
	defer func() {
		if terr := id.Teardown(cleanupCtx); terr != nil {
			console.Warn("failed to remove build user %s: %v", id.Name, terr)
		}
	}()
	r.enter(IdentityEnsured)

	r.uid, r.gid, err = o.Identities.Owner(id)
	if err != nil {
		return r.res, err
	}
	for _, dir := range []string{o.Config.Paths.BuildRoot, o.Config.Paths.PkgRoot, o.Config.Paths.HomeRoot} {
		if err := workspace.Chown(dir, r.uid, r.gid, false); err != nil {
			return r.res, err
		}
	}
	r.enter(OwnershipAssigned)

	if err := o.Packages.Sync(ctx, "install prerequisites", o.Catalog.Prereqs); err != nil {
		return r.res, err
	}
	r.enter(PrereqsInstalled)

	r.env = makepkg.Env{User: id.Name, PkgDest: o.Config.Paths.PkgRoot, Home: o.Config.Paths.HomeRoot}
	for i, repo := range line.Repositories {
		console.Info("Building %s (%d/%d)", repo.Name, i+1, len(line.Repositories))
		if err := r.buildRepo(ctx, repo); err != nil {
			return r.res, err
		}
	}

	if len(r.res.Artifacts) == 0 {
		return r.res, errs.New(errs.KindEmptyResult, "build "+line.Name, "no packages were built")
	}

	files := slices.Clone(r.res.Artifacts)
	if o.Config.Report {
		if path, err := r.writeReport(started); err != nil {
			console.Warn("could not write run report: %v", err)
		} else {
			r.res.Report = path
			files = append(files, path)
		}
	}
	if o.Publisher != nil {
		if err := o.Publisher.Publish(ctx, line.Name, files...); err != nil {
			return r.res, err
		}
	}

	r.enter(Done)
	return r.res, nil
}

func (o *Orchestrator) acquireLock(ctx context.Context) (*lock.Lock, error) {
	l, ok, err := lock.TryAcquire(o.Config.Paths.Lock)
	if err != nil {
		return nil, err
	}
	if ok {
		return l, nil
	}
	console.Step("Waiting for another nv-helper run to finish")
	return lock.Acquire(ctx, o.Config.Paths.Lock)
}

func (r *run) buildRepo(ctx context.Context, repo config.Repository) error {
	logger := log.WithRepo(repo.Name)

	src, err := r.Sources.Ensure(ctx, repo.Name)
	if err != nil {
		return err
	}
	r.enter(SourceSynced)

	scope, err := r.Scopes.Open(repo.Name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			console.Warn("%v", cerr)
		}
	}()
	r.enter(DirScopeOpened)

	if err := workspace.Mirror(ctx, r.Runner, src, scope.Path); err != nil {
		return err
	}
	r.enter(SourceMirrored)

	if err := workspace.Chown(scope.Path, r.uid, r.gid, true); err != nil {
		return err
	}
	r.enter(DirOwnershipAssigned)

	deps := append(slices.Clone(r.Catalog.Prereqs), repo.Depends...)
	if err := r.Packages.Sync(ctx, "install dependencies for "+repo.Name, deps); err != nil {
		return err
	}
	r.enter(RepoDepsInstalled)

	if err := r.Builder.Build(ctx, scope.Path, r.env); err != nil {
		return err
	}
	r.enter(Built)

	pkgs, err := r.Builder.ListArtifacts(ctx, scope.Path, r.env)
	if err != nil {
		return err
	}
	r.enter(ArtifactsListed)

	filtered := pacman.Filter(pkgs, r.capable, r.Catalog.SecondaryArchMarker)
	if dropped := len(pkgs) - len(filtered); dropped > 0 {
		logger.Debug("skipping secondary-architecture packages", "count", dropped)
	}
	r.enter(ArtifactsFiltered)

	if err := r.Packages.Install(ctx, filtered); err != nil {
		return err
	}
	r.enter(ArtifactsInstalled)
	r.res.Artifacts = append(r.res.Artifacts, filtered...)

	if err := scope.Close(); err != nil {
		return err
	}
	r.enter(DirScopeClosed)
	return nil
}

func (r *run) writeReport(started time.Time) (string, error) {
	rep := artifact.NewReport(r.line.Name, started)
	if err := rep.Add(r.res.Artifacts...); err != nil {
		return "", err
	}
	path, err := rep.Write(r.Config.Paths.PkgRoot, r.Now())
	if err != nil {
		return "", err
	}
	r.logger.Debug("wrote report", "path", path, "run_id", rep.RunID)
	return path, nil
}
