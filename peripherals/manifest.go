// Package peripherals installs, launches, and supervises the child
// processes that implement peripheral UI/dataset behavior on top of the
// base: install from a git URL, parse the peripheral's Manifest.toml,
// launch it with the right build/run strategy, and track its enabled/
// running state.
package peripherals

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pelletier/go-toml/v2"
)

// BuildKind selects how a peripheral's sources are prepared before launch.
type BuildKind string

const (
	BuildNone  BuildKind = "none"
	BuildCargo BuildKind = "cargo"
)

// LaunchKind selects how a peripheral process is started.
type LaunchKind string

const (
	LaunchExe    LaunchKind = "exe"
	LaunchPython LaunchKind = "python"
	LaunchCargo  LaunchKind = "cargo"
)

// Manifest is the peripheral's own declaration of how to build and run it.
type Manifest struct {
	Name   string     `toml:"name"`
	Build  BuildKind  `toml:"build"`
	Launch LaunchKind `toml:"launch"`
	Entry  string     `toml:"entry"`
	Args   []string   `toml:"args"`
}

func ParseManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("peripherals: read manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("peripherals: parse manifest: %w", err)
	}
	if m.Build == "" {
		m.Build = BuildNone
	}
	return m, nil
}

// nameFromURLRe extracts the service name from the trailing path segment of
// a git URL, stripping a .git suffix if present.
var nameFromURLRe = regexp.MustCompile(`([^/]+?)(\.git)?/?$`)

func NameFromURL(url string) (string, error) {
	m := nameFromURLRe.FindStringSubmatch(url)
	if m == nil || m[1] == "" {
		return "", fmt.Errorf("peripherals: cannot derive service name from %q", url)
	}
	return m[1], nil
}

func manifestPath(serviceDir string) string {
	return filepath.Join(serviceDir, "Manifest.toml")
}
