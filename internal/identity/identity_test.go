package identity

import (
	"context"
	"errors"
	"os/user"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvhelper/internal/errs"
	"nvhelper/internal/runner/runnertest"
)

func TestEnsureExistingAccountIsNeverDeleted(t *testing.T) {
	fake := &runnertest.Fake{}
	m := NewManager(fake)
	ctx := context.Background()

	id, err := m.Ensure(ctx, "nvbuild", "/var/lib/nv-helper/nvbuild")
	require.NoError(t, err)
	assert.False(t, id.CreatedByUs)
	assert.Empty(t, fake.Matching("useradd"))

	require.NoError(t, id.Teardown(ctx))
	assert.Empty(t, fake.Matching("userdel"))
	assert.Equal(t, []string{"id -u nvbuild"}, fake.Lines())
}

func TestEnsureCreatesAndTeardownDeletes(t *testing.T) {
	fake := (&runnertest.Fake{}).On("id -u nvbuild", runnertest.Response{ExitCode: 1})
	m := NewManager(fake)
	ctx := context.Background()

	id, err := m.Ensure(ctx, "nvbuild", "/var/lib/nv-helper/nvbuild")
	require.NoError(t, err)
	assert.True(t, id.CreatedByUs)

	adds := fake.Matching("useradd")
	require.Len(t, adds, 1)
	assert.Equal(t,
		"useradd --system --user-group --home-dir /var/lib/nv-helper/nvbuild --shell /usr/bin/nologin nvbuild",
		adds[0].Line())

	require.NoError(t, id.Teardown(ctx))
	require.NoError(t, id.Teardown(ctx))
	dels := fake.Matching("userdel")
	require.Len(t, dels, 1)
	assert.Equal(t, "userdel -r nvbuild", dels[0].Line())
}

func TestEnsureUseraddFailure(t *testing.T) {
	fake := (&runnertest.Fake{}).
		On("id -u", runnertest.Response{ExitCode: 1}).
		On("useradd", runnertest.Response{ExitCode: 9, Stderr: "useradd: group nvbuild exists"})

	_, err := NewManager(fake).Ensure(context.Background(), "nvbuild", "/h")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindExternalTool))
	assert.Contains(t, err.Error(), "create build user nvbuild")
	assert.Contains(t, err.Error(), "group nvbuild exists")
}

func TestEnsureProbeStartFailure(t *testing.T) {
	fake := (&runnertest.Fake{}).On("id", runnertest.Response{StartErr: errors.New("exec: \"id\": not found")})

	_, err := NewManager(fake).Ensure(context.Background(), "nvbuild", "/h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to check user nvbuild")
}

func TestOwner(t *testing.T) {
	m := &Manager{Lookup: func(name string) (*user.User, error) {
		return &user.User{Username: name, Uid: "967", Gid: "966"}, nil
	}}

	uid, gid, err := m.Owner(&Identity{Name: "nvbuild"})
	require.NoError(t, err)
	assert.Equal(t, 967, uid)
	assert.Equal(t, 966, gid)

	m.Lookup = func(string) (*user.User, error) { return nil, user.UnknownUserError("nvbuild") }
	_, _, err = m.Owner(&Identity{Name: "nvbuild"})
	assert.True(t, errs.Is(err, errs.KindIO))
}
