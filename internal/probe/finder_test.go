package probe

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/grafana/endoscope/internal/testutil"
)

type testDirs struct {
	override string
	exe      string
	system   string
}

func newTestFinder(t testing.TB, cfg *Config) (*Finder, testDirs) {
	root := t.TempDir()
	dirs := testDirs{
		override: filepath.Join(root, "override"),
		exe:      filepath.Join(root, "opt", "bin"),
		system:   filepath.Join(root, "usr", "lib", "endoscope", "probes"),
	}
	if cfg.Path == "" {
		cfg.Path = dirs.override
	}
	if cfg.SystemDirs == nil {
		cfg.SystemDirs = []string{dirs.system}
	}
	return &Finder{
		log:    slog.With("component", "probe.Finder"),
		cfg:    cfg,
		goos:   "linux",
		arch:   runtime.GOARCH,
		exeDir: dirs.exe,
	}, dirs
}

func tag() string {
	return ArchTag(runtime.GOARCH)
}

func TestResolve_NotFoundListsAllLocations(t *testing.T) {
	f := &Finder{
		log:  slog.With("component", "probe.Finder"),
		cfg:  &Config{SystemDirs: []string{}},
		goos: "linux",
		arch: runtime.GOARCH,
	}
	_, err := f.Resolve("probe")
	require.ErrorIs(t, err, ErrArtifactNotFound)
	for _, group := range []string{"override directory [<unset>]", "installation directories [<unknown executable location>]", "system directories [<none>]"} {
		assert.Contains(t, err.Error(), group)
	}
}

func TestResolve_NotFoundEnumeratesDirectories(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	_, err := f.Resolve("probe")
	require.ErrorIs(t, err, ErrArtifactNotFound)
	assert.Contains(t, err.Error(), dirs.override)
	assert.Contains(t, err.Error(), dirs.exe)
	assert.Contains(t, err.Error(), filepath.Join(dirs.exe, "..", "lib", "endoscope", "probes"))
	assert.Contains(t, err.Error(), dirs.system)
}

func TestResolve_InvalidName(t *testing.T) {
	f, _ := newTestFinder(t, &Config{})
	for _, name := range []string{"", "a/b", `a\b`, "../probe", "/probe"} {
		_, err := f.Resolve(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestResolve_SearchOrder(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	installed := filepath.Join(dirs.exe, "..", "lib", "endoscope", "probes")

	system := testutil.WriteObject(t, filepath.Join(dirs.system, "libprobe.so"), runtime.GOARCH)
	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, system, art.Path)

	relocated := testutil.WriteObject(t, filepath.Join(installed, "libprobe.so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(relocated), art.Path)

	nextToExe := testutil.WriteObject(t, filepath.Join(dirs.exe, "probe.so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, nextToExe, art.Path)

	override := testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe.so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, override, art.Path)
}

func TestResolve_FileNamePreference(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})

	plain := testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe.so"), runtime.GOARCH)
	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, plain, art.Path)

	tagged := testutil.WriteObject(t, filepath.Join(dirs.override, "probe-"+tag()+".so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, tagged, art.Path)

	inArchDir := testutil.WriteObject(t, filepath.Join(dirs.override, tag(), "libprobe.so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, inArchDir, art.Path)
}

func TestResolve_DebugBuildPreferred(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{BuildType: BuildDebug})

	release := testutil.WriteObject(t, filepath.Join(dirs.override, "probe.so"), runtime.GOARCH)
	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, release, art.Path, "release builds are used when no debug build exists")

	debug := testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe-debug.so"), runtime.GOARCH)
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, debug, art.Path)

	f.cfg.BuildType = BuildRelease
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, release, art.Path)
}

func TestResolve_ArchitectureMismatch(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	other := testutil.OtherArch(runtime.GOARCH)
	foreign := testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe.so"), other)

	_, err := f.Resolve("probe")
	require.ErrorIs(t, err, ErrArchitectureMismatch)
	assert.Contains(t, err.Error(), foreign)
	assert.Contains(t, err.Error(), other)

	// a matching build in a later location is still found
	native := testutil.WriteObject(t, filepath.Join(dirs.system, "libprobe.so"), runtime.GOARCH)
	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, native, art.Path)
	assert.Equal(t, runtime.GOARCH, art.Arch)
}

func TestResolve_UnrecognizedFileIsNotFound(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	require.NoError(t, os.MkdirAll(dirs.override, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirs.override, "probe.so"), []byte("not a library"), 0o644))
	// directories with a candidate name are skipped
	require.NoError(t, os.MkdirAll(filepath.Join(dirs.system, "probe.so"), 0o755))

	_, err := f.Resolve("probe")
	require.ErrorIs(t, err, ErrArtifactNotFound)
	assert.NotErrorIs(t, err, ErrArchitectureMismatch)
	assert.Contains(t, err.Error(), "Ignored: "+filepath.Join(dirs.override, "probe.so"))

	// a foreign build next to it is still an architecture mismatch
	other := testutil.OtherArch(runtime.GOARCH)
	foreign := testutil.WriteObject(t, filepath.Join(dirs.system, "libprobe.so"), other)
	_, err = f.Resolve("probe")
	require.ErrorIs(t, err, ErrArchitectureMismatch)
	assert.Contains(t, err.Error(), foreign)
	assert.Contains(t, err.Error(), filepath.Join(dirs.override, "probe.so"))
}

func TestResolve_EntrySymbol(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe.so"), runtime.GOARCH)

	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, "probe_inject", art.EntrySymbol)
	assert.Equal(t, "probe", art.Name)

	f.cfg.EntrySymbol = "custom_entry"
	art, err = f.Resolve("probe")
	require.NoError(t, err)
	assert.Equal(t, "custom_entry", art.EntrySymbol)
}

func TestResolve_RelativeOverrideIsMadeAbsolute(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	testutil.WriteObject(t, filepath.Join(dirs.override, "libprobe.so"), runtime.GOARCH)
	t.Chdir(filepath.Dir(dirs.override))
	f.cfg.Path = "override"

	art, err := f.Resolve("probe")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(art.Path), art.Path)
}

func TestFileNames(t *testing.T) {
	f := &Finder{cfg: &Config{}, goos: "darwin", arch: "arm64"}
	assert.Empty(t, cmp.Diff([]string{
		"probe-aarch64.dylib", "libprobe-aarch64.dylib", "probe.dylib", "libprobe.dylib",
		"probe-aarch64.so", "libprobe-aarch64.so", "probe.so", "libprobe.so",
	}, f.fileNames("probe")))

	f = &Finder{cfg: &Config{BuildType: BuildDebug}, goos: "windows", arch: "386"}
	assert.Empty(t, cmp.Diff([]string{
		"probe-debug-i686.dll", "libprobe-debug-i686.dll", "probe-debug.dll", "libprobe-debug.dll",
		"probe-i686.dll", "libprobe-i686.dll", "probe.dll", "libprobe.dll",
	}, f.fileNames("probe")))
}

func TestDefaultSystemDirs(t *testing.T) {
	t.Setenv("ProgramFiles", `D:\Apps`)
	assert.Equal(t, []string{filepath.Join(`D:\Apps`, "Endoscope", "probes")}, defaultSystemDirs("windows"))
	assert.Equal(t, "/Library/Endoscope/probes", defaultSystemDirs("darwin")[0])
	assert.Contains(t, defaultSystemDirs("linux"), "/usr/lib/endoscope/probes")
	assert.Contains(t, defaultSystemDirs("freebsd"), "/usr/local/lib/endoscope/probes")
}

var probeName = rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`)

func TestResolve_MissingNamesAreNotFound(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})
	testutil.WriteObject(t, filepath.Join(dirs.override, "libendoscope-present.so"), runtime.GOARCH)

	rapid.Check(t, func(rt *rapid.T) {
		name := probeName.Draw(rt, "name")
		_, err := f.Resolve(name)
		if !errors.Is(err, ErrArtifactNotFound) {
			rt.Fatalf("resolving %q: expected not found, got %v", name, err)
		}
		for _, dir := range []string{dirs.override, dirs.exe, dirs.system} {
			if !strings.Contains(err.Error(), dir) {
				rt.Fatalf("diagnostic does not list %s: %v", dir, err)
			}
		}
	})
}

func TestResolve_Idempotent(t *testing.T) {
	f, dirs := newTestFinder(t, &Config{})

	rapid.Check(t, func(rt *rapid.T) {
		name := probeName.Draw(rt, "name")
		dir := rapid.SampledFrom([]string{dirs.override, dirs.exe, dirs.system, filepath.Join(dirs.system, tag())}).Draw(rt, "dir")
		file := rapid.SampledFrom([]string{name + ".so", "lib" + name + ".so", name + "-" + tag() + ".so"}).Draw(rt, "file")
		testutil.WriteObject(t, filepath.Join(dir, file), runtime.GOARCH)

		first, err := f.Resolve(name)
		if err != nil {
			rt.Fatalf("resolving %q: %v", name, err)
		}
		second, err := f.Resolve(name)
		if err != nil {
			rt.Fatalf("resolving %q again: %v", name, err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			rt.Fatalf("resolutions differ (-first +second):\n%s", diff)
		}
	})
}
