// Package probe finds the probe library to inject on disk.
package probe

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grafana/endoscope/internal/objfile"
)

var (
	ErrInvalidName          = errors.New("invalid probe name")
	ErrArtifactNotFound     = errors.New("probe not found")
	ErrArchitectureMismatch = errors.New("probe architecture mismatch")
)

// Artifact is a probe library ready to be injected
type Artifact struct {
	// Name is the logical name the artifact was resolved from
	Name string
	// Path is absolute
	Path        string
	EntrySymbol string
	// Arch is the GOARCH name of the library's machine type
	Arch string
}

// location group of the search path, as reported in the not found diagnostics
type location struct {
	label string
	dirs  []string
	// unset is shown instead of an empty directory list
	unset string
}

// Finder resolves logical probe names to artifacts. It has no side effects on the
// filesystem, and resolving the same name twice without filesystem changes returns
// the same Artifact.
type Finder struct {
	log  *slog.Logger
	cfg  *Config
	goos string
	arch string
	// exeDir is the directory of the running executable, empty if unknown
	exeDir string
}

func NewFinder(cfg *Config) *Finder {
	log := slog.With("component", "probe.Finder")
	f := &Finder{log: log, cfg: cfg, goos: runtime.GOOS, arch: runtime.GOARCH}
	if exe, err := os.Executable(); err != nil {
		log.Debug("can't get own executable path. Skipping installation directories", "error", err)
	} else {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		f.exeDir = filepath.Dir(exe)
	}
	return f
}

// ArchTag returns the architecture tag used in probe file and directory names
func ArchTag(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}

func (f *Finder) Resolve(name string) (Artifact, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Artifact{}, fmt.Errorf("%w: %q (it must not be empty nor contain path separators)", ErrInvalidName, name)
	}

	locations := f.locations()
	// mismatched builds are reported as such. Files that aren't object files are only listed
	var rejected, unreadable []string
	for _, loc := range locations {
		for _, dir := range loc.dirs {
			for _, candidate := range f.candidates(dir, name) {
				st, err := os.Stat(candidate)
				if err != nil || !st.Mode().IsRegular() {
					continue
				}
				arch, err := objfile.Arch(candidate)
				if err != nil {
					f.log.Debug("ignoring unreadable probe candidate", "path", candidate, "error", err)
					unreadable = append(unreadable, fmt.Sprintf("%s (%v)", candidate, err))
					continue
				}
				if arch != f.arch {
					f.log.Debug("ignoring probe candidate", "path", candidate, "arch", arch, "want", f.arch)
					rejected = append(rejected, fmt.Sprintf("%s (%s)", candidate, arch))
					continue
				}
				abs, err := filepath.Abs(candidate)
				if err != nil {
					return Artifact{}, fmt.Errorf("resolving %s: %w", candidate, err)
				}
				return Artifact{
					Name:        name,
					Path:        abs,
					EntrySymbol: f.entrySymbol(name),
					Arch:        arch,
				}, nil
			}
		}
	}

	ignored := ""
	if len(unreadable) > 0 {
		ignored = ". Ignored: " + strings.Join(unreadable, ", ")
	}
	if len(rejected) > 0 {
		return Artifact{}, fmt.Errorf("%w: no %s build of probe %q. Found: %s%s",
			ErrArchitectureMismatch, f.arch, name, strings.Join(rejected, ", "), ignored)
	}
	return Artifact{}, fmt.Errorf("%w: probe %q. Searched %s%s", ErrArtifactNotFound, name, describe(locations), ignored)
}

func (f *Finder) entrySymbol(name string) string {
	if f.cfg.EntrySymbol != "" {
		return f.cfg.EntrySymbol
	}
	return name + "_inject"
}

func (f *Finder) locations() []location {
	override := location{label: "override directory", unset: "<unset>"}
	if f.cfg.Path != "" {
		override.dirs = []string{f.cfg.Path}
	}
	install := location{label: "installation directories", unset: "<unknown executable location>"}
	if f.exeDir != "" {
		install.dirs = []string{
			f.exeDir,
			filepath.Join(f.exeDir, "..", "lib", "endoscope", "probes"),
		}
	}
	system := location{label: "system directories", unset: "<none>", dirs: f.cfg.SystemDirs}
	if system.dirs == nil {
		system.dirs = defaultSystemDirs(f.goos)
	}
	return []location{override, install, system}
}

func describe(locations []location) string {
	parts := make([]string, 0, len(locations))
	for _, loc := range locations {
		dirs := loc.unset
		if len(loc.dirs) > 0 {
			dirs = strings.Join(loc.dirs, ", ")
		}
		parts = append(parts, fmt.Sprintf("%s [%s]", loc.label, dirs))
	}
	return strings.Join(parts, "; ")
}

func defaultSystemDirs(goos string) []string {
	unix := []string{
		"/usr/local/lib/endoscope/probes",
		"/usr/lib/endoscope/probes",
		"/usr/lib64/endoscope/probes",
	}
	switch goos {
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		return []string{filepath.Join(programFiles, "Endoscope", "probes")}
	case "darwin":
		return append([]string{"/Library/Endoscope/probes"}, unix...)
	default:
		return unix
	}
}

func extensions(goos string) []string {
	switch goos {
	case "windows":
		return []string{".dll"}
	case "darwin":
		return []string{".dylib", ".so"}
	default:
		return []string{".so"}
	}
}

// fileNames returns the probe file names in order of preference
func (f *Finder) fileNames(name string) []string {
	tag := ArchTag(f.arch)
	bases := []string{name}
	if f.cfg.BuildType == BuildDebug {
		bases = []string{name + "-debug", name}
	}
	var names []string
	for _, base := range bases {
		for _, ext := range extensions(f.goos) {
			names = append(names,
				base+"-"+tag+ext,
				"lib"+base+"-"+tag+ext,
				base+ext,
				"lib"+base+ext)
		}
	}
	return names
}

func (f *Finder) candidates(dir, name string) []string {
	names := f.fileNames(name)
	paths := make([]string, 0, 2*len(names))
	for _, sub := range []string{filepath.Join(dir, ArchTag(f.arch)), dir} {
		for _, n := range names {
			paths = append(paths, filepath.Join(sub, n))
		}
	}
	return paths
}
