package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nvhelper/internal/errs"
)

// DefaultFile is where the system-wide configuration lives.
const DefaultFile = "/etc/nv-helper.conf"

// EnvPrefix marks environment variables that override config file values.
const EnvPrefix = "NVHELPER_"

// Paths holds the fixed roots the orchestrator works in.
type Paths struct {
	Lock      string // exclusive lock file
	SrcRoot   string // local mirrors of the AUR repositories
	PkgRoot   string // PKGDEST for makepkg
	BuildRoot string // per-repository build directories
	HomeRoot  string // HOME for makepkg runs
}

// Roots returns the directories that must exist before a run.
func (p Paths) Roots() []string {
	return []string{p.SrcRoot, p.PkgRoot, p.BuildRoot, p.HomeRoot}
}

// Mirror configures optional publication of built packages.
type Mirror struct {
	Bucket          string
	Endpoint        string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether a bucket was configured.
func (m Mirror) Enabled() bool { return m.Bucket != "" }

// Config struct
type Config struct {
	Paths     Paths
	BuildUser string
	BuildHome string // home directory given to a freshly created build user
	AURBase   string
	Catalog   string // optional YAML catalog replacing the built-in one
	Report    bool
	Debug     bool
	Mirror    Mirror
}

// Load reads path (missing file is fine), merges NVHELPER_* env overrides and
// applies defaults.
func Load(path string) (*Config, error) {
	values := make(map[string]string)

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "read "+path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindConfig, "open "+path, err)
	}

	mergeEnvOverrides(values, os.Environ())
	return FromValues(values)
}

// Merge NVHELPER_* env overrides
func mergeEnvOverrides(values map[string]string, environ []string) {
	for _, env := range environ {
		if !strings.HasPrefix(env, EnvPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
}

// FromValues builds a Config from raw key/value pairs.
func FromValues(values map[string]string) (*Config, error) {
	get := func(key, def string) string {
		if v := values[EnvPrefix+key]; v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Paths: Paths{
			Lock:      get("LOCK", "/run/nv-helper.lock"),
			SrcRoot:   get("SRC_ROOT", "/var/cache/nv-helper/src"),
			PkgRoot:   get("PKG_ROOT", "/var/cache/nv-helper/pkg"),
			BuildRoot: get("BUILD_ROOT", "/var/lib/nv-helper/build"),
			HomeRoot:  get("HOME_ROOT", "/var/lib/nv-helper/home"),
		},
		BuildUser: get("BUILD_USER", "nvbuild"),
		AURBase:   strings.TrimRight(get("AUR_URL", "https://aur.archlinux.org"), "/"),
		Catalog:   get("CATALOG", ""),
		Report:    get("REPORT", "1") != "0",
		Debug:     get("DEBUG", "0") == "1",
		Mirror: Mirror{
			Bucket:          get("MIRROR_BUCKET", ""),
			Endpoint:        strings.TrimRight(get("MIRROR_ENDPOINT", ""), "/"),
			Region:          get("MIRROR_REGION", "auto"),
			Prefix:          strings.Trim(get("MIRROR_PREFIX", ""), "/"),
			AccessKeyID:     get("MIRROR_ACCESS_KEY_ID", ""),
			SecretAccessKey: get("MIRROR_SECRET_ACCESS_KEY", ""),
		},
	}
	cfg.BuildHome = get("BUILD_HOME", filepath.Join("/var/lib/nv-helper", cfg.BuildUser))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	named := map[string]string{
		"lock":       c.Paths.Lock,
		"src root":   c.Paths.SrcRoot,
		"pkg root":   c.Paths.PkgRoot,
		"build root": c.Paths.BuildRoot,
		"home root":  c.Paths.HomeRoot,
		"build home": c.BuildHome,
	}
	for name, p := range named {
		if !filepath.IsAbs(p) {
			return errs.New(errs.KindConfig, "validate config", "%s %q must be an absolute path", name, p)
		}
	}
	if strings.ContainsAny(c.BuildUser, " /:") || c.BuildUser == "" || c.BuildUser == "root" {
		return errs.New(errs.KindConfig, "validate config", "invalid build user %q", c.BuildUser)
	}
	if c.Mirror.Enabled() && (c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "") {
		return errs.New(errs.KindConfig, "validate config",
			"mirror credentials missing (%sMIRROR_ACCESS_KEY_ID, %sMIRROR_SECRET_ACCESS_KEY)", EnvPrefix, EnvPrefix)
	}
	return nil
}

// LogLevel maps the debug switch to a slog level name.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "DEBUG"
	}
	return "WARN"
}

func (c *Config) String() string {
	return fmt.Sprintf("src=%s pkg=%s build=%s home=%s lock=%s user=%s",
		c.Paths.SrcRoot, c.Paths.PkgRoot, c.Paths.BuildRoot, c.Paths.HomeRoot, c.Paths.Lock, c.BuildUser)
}
