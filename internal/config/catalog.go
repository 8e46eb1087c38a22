package config

import (
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"nvhelper/internal/errs"
)

// Repository is one AUR repository to build, with the packages it needs
// installed beforehand.
type Repository struct {
	Name    string   `yaml:"name"`
	Depends []string `yaml:"depends"`
}

// ReleaseLine is a named set of repositories built together.
type ReleaseLine struct {
	Name         string       `yaml:"name"`
	Repositories []Repository `yaml:"repositories"`
}

// Catalog is the static data the orchestrator works from.
type Catalog struct {
	ReleaseLines []ReleaseLine `yaml:"release_lines"`
	// Installed packages that clash with what we build; removed up front.
	Conflicts []string `yaml:"conflicts"`
	// Packages every build needs.
	Prereqs []string `yaml:"prereqs"`
	// Package whose availability in the sync db means multilib is enabled.
	SecondaryArchProbe string `yaml:"secondary_arch_probe"`
	// File name prefix of secondary-architecture packages.
	SecondaryArchMarker string `yaml:"secondary_arch_marker"`
}

var (
	utilsDeps    = []string{"libglvnd", "egl-wayland", "egl-gbm", "egl-x11"}
	settingsDeps = []string{"jansson", "gtk3", "libxv", "libvdpau", "libxext", "vulkan-headers"}
)

// DefaultCatalog returns the built-in release lines.
func DefaultCatalog() *Catalog {
	line := func(branch string) ReleaseLine {
		return ReleaseLine{
			Name: branch,
			Repositories: []Repository{
				{Name: "nvidia-" + branch + "-utils", Depends: slices.Clone(utilsDeps)},
				{Name: "nvidia-" + branch + "-settings", Depends: slices.Clone(settingsDeps)},
			},
		}
	}
	return &Catalog{
		ReleaseLines:        []ReleaseLine{line("580xx"), line("470xx")},
		Conflicts:           []string{"nvidia-open-dkms", "nvidia-utils"},
		Prereqs:             []string{"git", "base-devel", "dkms", "rsync"},
		SecondaryArchProbe:  "lib32-glibc",
		SecondaryArchMarker: "lib32-",
	}
}

// LoadCatalog reads a YAML catalog; an empty path yields the built-in one.
// Fields left out of the file keep their built-in values.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "read catalog", err)
	}

	var parsed Catalog
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parse catalog "+path, err)
	}
	if len(parsed.ReleaseLines) > 0 {
		cat.ReleaseLines = parsed.ReleaseLines
	}
	if parsed.Conflicts != nil {
		cat.Conflicts = parsed.Conflicts
	}
	if parsed.Prereqs != nil {
		cat.Prereqs = parsed.Prereqs
	}
	if parsed.SecondaryArchProbe != "" {
		cat.SecondaryArchProbe = parsed.SecondaryArchProbe
	}
	if parsed.SecondaryArchMarker != "" {
		cat.SecondaryArchMarker = parsed.SecondaryArchMarker
	}

	if err := cat.validate(); err != nil {
		return nil, errs.Op("load catalog "+path, err)
	}
	return cat, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool)
	for _, rl := range c.ReleaseLines {
		if rl.Name == "" || strings.ContainsAny(rl.Name, ", ") {
			return errs.New(errs.KindConfig, "validate catalog", "invalid release line name %q", rl.Name)
		}
		if seen[rl.Name] {
			return errs.New(errs.KindConfig, "validate catalog", "duplicate release line %q", rl.Name)
		}
		seen[rl.Name] = true
		if len(rl.Repositories) == 0 {
			return errs.New(errs.KindConfig, "validate catalog", "release line %q has no repositories", rl.Name)
		}
		for _, r := range rl.Repositories {
			if r.Name == "" || strings.ContainsAny(r.Name, `/\ `) || r.Name == "." || r.Name == ".." {
				return errs.New(errs.KindConfig, "validate catalog", "invalid repository name %q", r.Name)
			}
		}
	}
	return nil
}

// Names lists the release line names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ReleaseLines))
	for _, rl := range c.ReleaseLines {
		names = append(names, rl.Name)
	}
	return names
}

// Lookup returns the release line called name.
func (c *Catalog) Lookup(name string) (ReleaseLine, error) {
	for _, rl := range c.ReleaseLines {
		if rl.Name == name {
			return rl, nil
		}
	}
	return ReleaseLine{}, errs.New(errs.KindUsage, "select release line",
		"nv-helper supports only %s", strings.Join(c.Names(), " or "))
}
