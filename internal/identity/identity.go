// Package identity manages the unprivileged account untrusted build scripts
// run as.
//
// An account that already existed before the run is never modified or
// deleted: only an account this run created is removed at teardown.
package identity

import (
	"context"
	"fmt"
	"os/user"
	"strconv"

	"nvhelper/internal/errs"
	"nvhelper/internal/log"
	"nvhelper/internal/runner"
)

// NoLoginShell is the shell given to created accounts.
const NoLoginShell = "/usr/bin/nologin"

// Identity is the build account for one run.
type Identity struct {
	Name        string
	Home        string
	CreatedByUs bool

	run      runner.Runner
	tornDown bool
}

// Manager checks for and creates build accounts.
type Manager struct {
	Runner runner.Runner
	// Lookup resolves numeric ids; defaults to os/user.
	Lookup func(name string) (*user.User, error)
}

// NewManager returns a Manager driving useradd/userdel through r.
func NewManager(r runner.Runner) *Manager {
	return &Manager{Runner: r, Lookup: user.Lookup}
}

// Exists reports whether a system account called name exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := m.Runner.Probe(ctx, runner.Command{
		Desc: "check user " + name,
		Name: "id",
		Args: []string{"-u", name},
	})
	if err != nil {
		return false, errs.Op("failed to check user "+name, err)
	}
	return ok, nil
}

// Ensure returns the account called name, creating it (system class, no
// login shell, dedicated home) when it does not exist yet.
func (m *Manager) Ensure(ctx context.Context, name, home string) (*Identity, error) {
	l := log.WithComponent("identity")

	exists, err := m.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		l.Debug("using existing account", "user", name)
		return &Identity{Name: name, Home: home, run: m.Runner}, nil
	}

	_, err = m.Runner.Capture(ctx, runner.Command{
		Desc: "useradd " + name,
		Name: "useradd",
		Args: []string{
			"--system",
			"--user-group",
			"--home-dir", home,
			"--shell", NoLoginShell,
			name,
		},
	})
	if err != nil {
		return nil, errs.Op("create build user "+name, err)
	}
	l.Debug("created account", "user", name, "home", home)
	return &Identity{Name: name, Home: home, CreatedByUs: true, run: m.Runner}, nil
}

// Owner resolves the numeric uid and primary gid of the account.
func (m *Manager) Owner(id *Identity) (uid, gid int, err error) {
	lookup := m.Lookup
	if lookup == nil {
		lookup = user.Lookup
	}
	u, err := lookup(id.Name)
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindIO, "look up user "+id.Name, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindIO, "parse uid of "+id.Name, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindIO, "parse gid of "+id.Name, err)
	}
	return uid, gid, nil
}

// Teardown deletes the account and its home if this run created it.
// Otherwise it does nothing. Calling it twice is harmless.
func (id *Identity) Teardown(ctx context.Context) error {
	if id == nil || !id.CreatedByUs || id.tornDown {
		return nil
	}
	id.tornDown = true
	_, err := id.run.Capture(ctx, runner.Command{
		Desc: "userdel " + id.Name,
		Name: "userdel",
		Args: []string{"-r", id.Name},
	})
	if err != nil {
		return errs.Op("delete build user "+id.Name, err)
	}
	log.WithComponent("identity").Debug("deleted account", "user", id.Name)
	return nil
}

func (id *Identity) String() string {
	return fmt.Sprintf("%s (home %s, created by this run: %t)", id.Name, id.Home, id.CreatedByUs)
}
