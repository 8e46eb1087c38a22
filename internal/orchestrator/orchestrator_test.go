package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvhelper/internal/artifact"
	"nvhelper/internal/config"
	"nvhelper/internal/console"
	"nvhelper/internal/errs"
	"nvhelper/internal/lock"
	"nvhelper/internal/runner"
	"nvhelper/internal/runner/runnertest"
)

const (
	utils    = "nvidia-580xx-utils"
	settings = "nvidia-580xx-settings"
)

type harness struct {
	root  string
	cfg   *config.Config
	fake  *runnertest.Fake
	o     *Orchestrator
	lists map[string][]string // build dir name -> makepkg --packagelist output
}

func newHarness(t *testing.T, report bool) *harness {
	t.Helper()
	console.SetOutput(io.Discard, io.Discard)
	t.Cleanup(func() { console.SetOutput(os.Stdout, os.Stderr) })

	root := t.TempDir()
	values := map[string]string{
		"NVHELPER_LOCK":       filepath.Join(root, "nv-helper.lock"),
		"NVHELPER_SRC_ROOT":   filepath.Join(root, "src"),
		"NVHELPER_PKG_ROOT":   filepath.Join(root, "pkg"),
		"NVHELPER_BUILD_ROOT": filepath.Join(root, "build"),
		"NVHELPER_HOME_ROOT":  filepath.Join(root, "home"),
		"NVHELPER_BUILD_HOME": filepath.Join(root, "nvbuild"),
		"NVHELPER_REPORT":     "0",
	}
	if report {
		values["NVHELPER_REPORT"] = "1"
	}
	cfg, err := config.FromValues(values)
	require.NoError(t, err)

	h := &harness{root: root, cfg: cfg, fake: &runnertest.Fake{}, lists: map[string][]string{}}
	pkg := cfg.Paths.PkgRoot
	h.lists[utils] = []string{
		filepath.Join(pkg, "nvidia-580xx-utils-580.95.05-1-x86_64.pkg.tar.zst"),
		filepath.Join(pkg, "lib32-nvidia-580xx-utils-580.95.05-1-x86_64.pkg.tar.zst"),
	}
	h.lists[settings] = []string{
		filepath.Join(pkg, "nvidia-580xx-settings-580.95.05-1-x86_64.pkg.tar.zst"),
	}

	// Nothing conflicting is installed unless a test says otherwise.
	h.fake.On("pacman -Qi", runnertest.Response{ExitCode: 1})
	h.fake.On(runner.PrivilegeTool+" -u nvbuild", runnertest.Response{
		Output: func(cmd runner.Command) string {
			if !slices.Contains(cmd.Args, "--packagelist") {
				return ""
			}
			return strings.Join(h.lists[filepath.Base(cmd.Dir)], "\n") + "\n"
		},
	})

	o, err := New(cfg, config.DefaultCatalog(), h.fake)
	require.NoError(t, err)
	o.Identities.Lookup = func(string) (*user.User, error) {
		return &user.User{Uid: strconv.Itoa(os.Getuid()), Gid: strconv.Itoa(os.Getgid())}, nil
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.Now = func() time.Time { return start }
	h.o = o
	return h
}

func (h *harness) makepkgPrefix(args string) string {
	return runner.PrivilegeTool + " -u nvbuild -- env HOME=" + h.cfg.Paths.HomeRoot +
		" PKGDEST=" + h.cfg.Paths.PkgRoot + " makepkg " + args
}

func (h *harness) assertNoBuildDirs(t *testing.T) {
	t.Helper()
	for _, name := range []string{utils, settings} {
		_, err := os.Stat(filepath.Join(h.cfg.Paths.BuildRoot, name))
		assert.True(t, os.IsNotExist(err), "build dir %s should be gone", name)
	}
}

func (h *harness) assertLockReleased(t *testing.T) {
	t.Helper()
	l, ok, err := lock.TryAcquire(h.cfg.Paths.Lock)
	require.NoError(t, err)
	require.True(t, ok, "lock should be free after the run")
	require.NoError(t, l.Close())
}

func expectedTransitions(repos int) []State {
	s := []State{Init, LockAcquired, DirsEnsured, ConflictsRemoved, IdentityEnsured, OwnershipAssigned, PrereqsInstalled}
	for i := 0; i < repos; i++ {
		s = append(s, PerRepo()...)
	}
	return append(s, Done)
}

type recordingPublisher struct {
	line  string
	files []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, line string, files ...string) error {
	p.line = line
	p.files = append(p.files, files...)
	return p.err
}

func TestRunBuildsEveryRepository(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("pacman -Si lib32-glibc", runnertest.Response{ExitCode: 1})

	res, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)

	assert.Equal(t, expectedTransitions(2), res.Transitions)
	assert.Equal(t, []string{h.lists[utils][0], h.lists[settings][0]}, res.Artifacts)
	assert.Empty(t, res.Report)

	lines := h.fake.Lines()
	assert.Contains(t, lines, "pacman --noconfirm --needed -Syu git base-devel dkms rsync")
	assert.Contains(t, lines, "pacman --noconfirm --needed -Syu git base-devel dkms rsync libglvnd egl-wayland egl-gbm egl-x11")
	assert.Contains(t, lines, "pacman -U --noconfirm --needed "+h.lists[utils][0])
	assert.Contains(t, lines, "pacman -U --noconfirm --needed "+h.lists[settings][0])
	assert.Contains(t, lines, "git clone https://aur.archlinux.org/"+utils+".git "+filepath.Join(h.cfg.Paths.SrcRoot, utils))

	builds := h.fake.Matching(h.makepkgPrefix("-f --noconfirm --needed"))
	require.Len(t, builds, 2)
	for _, c := range builds {
		assert.Equal(t, "nvbuild", c.Cmd.AsUser)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "makepkg") {
			t.Fatalf("makepkg ran without dropping privileges: %s", line)
		}
	}
	assert.Empty(t, h.fake.Matching("pacman -Rdd"))
	assert.Empty(t, h.fake.Matching("useradd"))
	assert.Empty(t, h.fake.Matching("userdel"))

	h.assertNoBuildDirs(t)
	h.assertLockReleased(t)
}

func TestRunKeepsSecondaryArchPackagesWhenSupported(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)
	assert.Equal(t, append(slices.Clone(h.lists[utils]), h.lists[settings]...), res.Artifacts)
	assert.Contains(t, h.fake.Lines(), "pacman -U --noconfirm --needed "+strings.Join(h.lists[utils], " "))
}

func TestRunRemovesOnlyInstalledConflicts(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("pacman -Qi nvidia-utils", runnertest.Response{})

	_, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)

	removals := h.fake.Matching("pacman -Rdd")
	require.Len(t, removals, 1)
	assert.Equal(t, "pacman -Rdd --noconfirm nvidia-utils", removals[0].Line())
}

func TestRunEmptyResult(t *testing.T) {
	h := newHarness(t, false)
	h.lists = map[string][]string{}

	res, err := h.o.Run(context.Background(), "580xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEmptyResult))
	assert.Contains(t, err.Error(), "no packages were built")
	assert.NotContains(t, res.Transitions, Done)
	assert.Empty(t, res.Artifacts)
	assert.Empty(t, h.fake.Matching("pacman -U"))
	assert.Empty(t, h.fake.Matching("userdel"), "pre-existing build account must survive")

	h.assertNoBuildDirs(t)
	h.assertLockReleased(t)
}

func TestRunOnlySecondaryArchPackagesIsEmpty(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("pacman -Si lib32-glibc", runnertest.Response{ExitCode: 1})
	h.lists = map[string][]string{
		utils: {filepath.Join(h.cfg.Paths.PkgRoot, "lib32-nvidia-580xx-utils-1-1-x86_64.pkg.tar.zst")},
	}

	_, err := h.o.Run(context.Background(), "580xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEmptyResult))
}

func TestRunCreatedIdentityRemovedOnFailure(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("id -u nvbuild", runnertest.Response{ExitCode: 1})
	h.fake.On(h.makepkgPrefix("-f"), runnertest.Response{ExitCode: 4})

	res, err := h.o.Run(context.Background(), "580xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindExternalTool))
	assert.NotContains(t, res.Transitions, Built)

	assert.Len(t, h.fake.Matching("useradd --system --user-group --home-dir "+h.cfg.BuildHome), 1)
	lines := h.fake.Lines()
	assert.Equal(t, "userdel -r nvbuild", lines[len(lines)-1])

	// The failing repository aborts the run before the next one is touched.
	assert.Empty(t, h.fake.Matching("git clone https://aur.archlinux.org/"+settings))
	h.assertNoBuildDirs(t)
	h.assertLockReleased(t)
}

func TestRunCreatedIdentityRemovedOnSuccess(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("id -u nvbuild", runnertest.Response{ExitCode: 1})

	_, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)
	assert.Len(t, h.fake.Matching("userdel -r nvbuild"), 1)
}

func TestRunSyncFailureAborts(t *testing.T) {
	h := newHarness(t, false)
	h.fake.On("git clone", runnertest.Response{ExitCode: 128})

	res, err := h.o.Run(context.Background(), "580xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindSync))
	assert.Equal(t, PrereqsInstalled, res.Transitions[len(res.Transitions)-1])
	assert.Empty(t, h.fake.Matching(runner.PrivilegeTool))
	assert.Empty(t, h.fake.Matching("useradd"))
	assert.Empty(t, h.fake.Matching("userdel"), "pre-existing build account must survive")
	h.assertLockReleased(t)
}

func TestRunUnknownReleaseLine(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.o.Run(context.Background(), "390xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUsage))
	assert.Empty(t, h.fake.Calls())
}

func TestRunInterruptedStillTearsDown(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.fake.On("id -u nvbuild", runnertest.Response{ExitCode: 1})
	h.fake.On(h.makepkgPrefix("-f"), runnertest.Response{Do: func(runner.Command) { cancel() }})

	_, err := h.o.Run(ctx, "580xx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, h.fake.Matching("userdel -r nvbuild"), 1)
	h.assertNoBuildDirs(t)
	h.assertLockReleased(t)
}

func TestRunWritesReportAndPublishes(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, os.MkdirAll(h.cfg.Paths.PkgRoot, 0o755))
	for _, files := range h.lists {
		for _, f := range files {
			require.NoError(t, os.WriteFile(f, []byte(filepath.Base(f)), 0o644))
		}
	}
	pub := &recordingPublisher{}
	h.o.Publisher = pub

	res, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(h.cfg.Paths.PkgRoot, artifact.ReportFile), res.Report)

	rep, err := artifact.ReadReport(res.Report)
	require.NoError(t, err)
	assert.Equal(t, "580xx", rep.ReleaseLine)
	require.Len(t, rep.Artifacts, len(res.Artifacts))
	for i, e := range rep.Artifacts {
		assert.Equal(t, res.Artifacts[i], e.Path)
		assert.Len(t, e.Digest, 64)
	}

	assert.Equal(t, "580xx", pub.line)
	assert.Equal(t, append(slices.Clone(res.Artifacts), res.Report), pub.files)
}

func TestRunReportFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.o.Run(context.Background(), "580xx")
	require.NoError(t, err)
	assert.Empty(t, res.Report)
	assert.Equal(t, Done, res.Transitions[len(res.Transitions)-1])
}

func TestRunPublishFailureFailsRun(t *testing.T) {
	h := newHarness(t, false)
	h.o.Publisher = &recordingPublisher{err: errs.New(errs.KindIO, "publish", "bucket unreachable")}

	res, err := h.o.Run(context.Background(), "580xx")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindIO))
	assert.NotContains(t, res.Transitions, Done)
	assert.NotEmpty(t, res.Artifacts)
	assert.Empty(t, h.fake.Matching("userdel"))
}

func TestRunWaitsForLock(t *testing.T) {
	h := newHarness(t, false)
	held, err := lock.Acquire(context.Background(), h.cfg.Paths.Lock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.o.Run(context.Background(), "580xx")
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("run finished while the lock was held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, h.fake.Calls())

	require.NoError(t, held.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not proceed after the lock was released")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "init", Init.String())
	assert.Equal(t, "dir-scope-closed", DirScopeClosed.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Len(t, PerRepo(), 10)
}
