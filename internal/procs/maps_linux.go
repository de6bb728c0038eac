package procs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// FindLibMaps returns the memory mappings of the process
func FindLibMaps(pid int) ([]*procfs.ProcMap, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return nil, err
	}
	return proc.ProcMaps()
}

// LibPath returns the first mapping whose file has the given name or name prefix,
// e.g. "libc.so" matches "/usr/lib/x86_64-linux-gnu/libc.so.6".
func LibPath(name string, maps []*procfs.ProcMap) *procfs.ProcMap {
	for _, m := range maps {
		if strings.HasPrefix(filepath.Base(m.Pathname), name) {
			return m
		}
	}
	return nil
}

// ImageBase returns the address where the file at path is mapped from its first byte
func ImageBase(path string, maps []*procfs.ProcMap) (uint64, bool) {
	for _, m := range maps {
		if m.Offset == 0 && m.Pathname == path {
			return uint64(m.StartAddr), true
		}
	}
	return 0, false
}

// IsMapped reports whether the file at path is mapped into the address space of the process.
// Symbolic links in path are resolved before comparing.
func IsMapped(pid int, path string) (bool, error) {
	maps, err := FindLibMaps(pid)
	if err != nil {
		return false, err
	}
	return Mapped(path, maps), nil
}

// Mapped reports whether any of the mappings belongs to the file at path
func Mapped(path string, maps []*procfs.ProcMap) bool {
	want := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		want = resolved
	}
	for _, m := range maps {
		if m.Pathname == want || m.Pathname == path {
			return true
		}
	}
	return false
}

// Runtime guesses the managed runtime hosted by the process from its mapped modules.
// It returns "jvm", "node" or an empty string.
func Runtime(pid int) string {
	maps, err := FindLibMaps(pid)
	if err != nil {
		return ""
	}
	for _, m := range maps {
		switch {
		case strings.Contains(m.Pathname, "libjvm.so"):
			return "jvm"
		case strings.HasSuffix(m.Pathname, "/node") || m.Pathname == "node":
			return "node"
		}
	}
	return ""
}
