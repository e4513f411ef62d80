package peripherals

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManifestDefaultsBuildToNone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Manifest.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "lamp"
launch = "exe"
entry = "lamp"
`), 0o644))

	m, err := ParseManifest(path)
	require.NoError(t, err)
	require.Equal(t, "lamp", m.Name)
	require.Equal(t, BuildNone, m.Build)
	require.Equal(t, LaunchExe, m.Launch)
	require.Equal(t, "lamp", m.Entry)
}

func TestParseManifestKeepsExplicitBuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Manifest.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "sensor"
build = "cargo"
launch = "cargo"
entry = "."
args = ["--release"]
`), 0o644))

	m, err := ParseManifest(path)
	require.NoError(t, err)
	require.Equal(t, BuildCargo, m.Build)
	require.Equal(t, LaunchCargo, m.Launch)
	require.Equal(t, []string{"--release"}, m.Args)
}

func TestParseManifestMissingFile(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestNameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://github.com/example/lamp-control.git": "lamp-control",
		"https://github.com/example/lamp-control":     "lamp-control",
		"https://github.com/example/lamp-control/":    "lamp-control",
		"git@github.com:example/sensor-hub.git":       "sensor-hub",
	}
	for url, want := range cases {
		got, err := NameFromURL(url)
		require.NoError(t, err, url)
		require.Equal(t, want, got, url)
	}
}

func TestNameFromURLRejectsEmpty(t *testing.T) {
	_, err := NameFromURL("")
	require.Error(t, err)
}
