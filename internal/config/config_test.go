package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvhelper/internal/errs"
)

func TestFromValuesDefaults(t *testing.T) {
	cfg, err := FromValues(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/run/nv-helper.lock", cfg.Paths.Lock)
	assert.Equal(t, "/var/cache/nv-helper/src", cfg.Paths.SrcRoot)
	assert.Equal(t, "/var/cache/nv-helper/pkg", cfg.Paths.PkgRoot)
	assert.Equal(t, "/var/lib/nv-helper/build", cfg.Paths.BuildRoot)
	assert.Equal(t, "/var/lib/nv-helper/home", cfg.Paths.HomeRoot)
	assert.Equal(t, "nvbuild", cfg.BuildUser)
	assert.Equal(t, "/var/lib/nv-helper/nvbuild", cfg.BuildHome)
	assert.Equal(t, "https://aur.archlinux.org", cfg.AURBase)
	assert.True(t, cfg.Report)
	assert.False(t, cfg.Debug)
	assert.False(t, cfg.Mirror.Enabled())
	assert.Equal(t, "WARN", cfg.LogLevel())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nv-helper.conf")
	content := `# comment
NVHELPER_SRC_ROOT="/srv/src"
NVHELPER_BUILD_USER = 'builder'
NVHELPER_AUR_URL=https://mirror.example/aur/
garbage line
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("NVHELPER_PKG_ROOT", "/srv/pkg")
	t.Setenv("NVHELPER_DEBUG", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/src", cfg.Paths.SrcRoot)
	assert.Equal(t, "/srv/pkg", cfg.Paths.PkgRoot)
	assert.Equal(t, "builder", cfg.BuildUser)
	assert.Equal(t, "/var/lib/nv-helper/builder", cfg.BuildHome)
	assert.Equal(t, "https://mirror.example/aur", cfg.AURBase)
	assert.Equal(t, "DEBUG", cfg.LogLevel())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)
	assert.Equal(t, "nvbuild", cfg.BuildUser)
}

func TestFromValuesRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{name: "relative root", values: map[string]string{"NVHELPER_BUILD_ROOT": "build"}},
		{name: "root build user", values: map[string]string{"NVHELPER_BUILD_USER": "root"}},
		{name: "user with slash", values: map[string]string{"NVHELPER_BUILD_USER": "a/b"}},
		{name: "mirror without keys", values: map[string]string{"NVHELPER_MIRROR_BUCKET": "pkgs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromValues(tt.values)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}
}

func TestPathsRoots(t *testing.T) {
	p := Paths{SrcRoot: "/s", PkgRoot: "/p", BuildRoot: "/b", HomeRoot: "/h", Lock: "/l"}
	assert.Equal(t, []string{"/s", "/p", "/b", "/h"}, p.Roots())
}
