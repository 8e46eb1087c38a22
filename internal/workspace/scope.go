package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nvhelper/internal/errs"
	"nvhelper/internal/log"
)

// Scope owns one repository's build directory. The directory is created
// empty on Open and removed by Close whatever happened in between.
type Scope struct {
	Path   string
	closed bool
}

// Open discards anything left at path and recreates it empty.
func Open(path string) (*Scope, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return nil, errs.Wrap(errs.KindIO, fmt.Sprintf("failed to clean build dir %s", path), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindIO, fmt.Sprintf("failed to stat build dir %s", path), err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, fmt.Sprintf("failed to create build dir %s", path), err)
	}
	log.WithComponent("workspace").Debug("opened build dir", "path", path)
	return &Scope{Path: path}, nil
}

// Close removes the directory. Calling it again is a no-op.
func (s *Scope) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if err := os.RemoveAll(s.Path); err != nil {
		return errs.Wrap(errs.KindIO, fmt.Sprintf("failed to remove build dir %s", s.Path), err)
	}
	log.WithComponent("workspace").Debug("removed build dir", "path", s.Path)
	return nil
}

// Manager opens scopes for repositories under a build root.
type Manager struct {
	Root string
}

// NewManager creates a manager rooted at root.
func NewManager(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("build root is empty")
	}
	return &Manager{Root: filepath.Clean(trimmed)}, nil
}

// Open opens the scope for repository name.
func (m *Manager) Open(name string) (*Scope, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return Open(filepath.Join(m.Root, name))
}

func validatePath(path string) error {
	if !filepath.IsAbs(path) {
		return errs.New(errs.KindIO, "open build dir", "path %q is not absolute", path)
	}
	if filepath.Clean(path) == "/" {
		return errs.New(errs.KindIO, "open build dir", "refusing to use / as a build dir")
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errs.New(errs.KindIO, "open build dir", "repository name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return errs.New(errs.KindIO, "open build dir", "repository name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return errs.New(errs.KindIO, "open build dir", "repository name %q must not contain path separators", name)
	}
	return nil
}
