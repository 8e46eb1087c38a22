// Package workspace owns the directories a run builds in: the fixed roots,
// the per-repository build directories, copying sources into them and
// handing them over to the build account.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"nvhelper/internal/errs"
	"nvhelper/internal/runner"
)

// EnsureDirs creates every directory in paths (and parents) if missing.
func EnsureDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errs.Wrap(errs.KindIO, "failed to create "+p, err)
		}
	}
	return nil
}

// Chown hands path to uid:gid. With recursive set, everything below it too.
// Symlinks are changed themselves, never followed.
func Chown(path string, uid, gid int, recursive bool) error {
	if !recursive {
		if err := unix.Lchown(path, uid, gid); err != nil {
			return errs.Wrap(errs.KindIO, fmt.Sprintf("chown %d:%d %s", uid, gid, path), err)
		}
		return nil
	}
	err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return unix.Lchown(p, uid, gid)
	})
	if err != nil {
		return errs.Wrap(errs.KindIO, fmt.Sprintf("chown -R %d:%d %s", uid, gid, path), err)
	}
	return nil
}

// Mirror copies src into dst one way, deleting extraneous files in dst and
// leaving version-control metadata behind.
func Mirror(ctx context.Context, r runner.Runner, src, dst string) error {
	err := r.Stream(ctx, runner.Command{
		Desc: "rsync " + filepath.Base(dst),
		Name: "rsync",
		Args: []string{
			"-a", "--delete",
			"--exclude", ".git",
			trailingSlash(src), trailingSlash(dst),
		},
	})
	if err != nil {
		return errs.Op(fmt.Sprintf("mirror %s into %s", src, dst), err)
	}
	return nil
}

func trailingSlash(p string) string {
	if len(p) > 0 && p[len(p)-1] == '/' {
		return p
	}
	return p + "/"
}
