package testutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/grafana/endoscope/internal/procs"
)

// PrivilegedEnv enables the tests that need to trace or signal other processes
const PrivilegedEnv = "PRIVILEGED_TESTS"

func RequirePrivileged(t testing.TB) {
	t.Helper()
	if os.Getenv(PrivilegedEnv) == "" {
		t.Skipf("Set %s to run this test", PrivilegedEnv)
	}
}

// MissingPID returns 12345, skipping the test if such process exists
func MissingPID(t testing.TB) int {
	t.Helper()
	const pid = 12345
	if _, err := procs.Lookup(context.Background(), pid); err == nil {
		t.Skipf("a process with pid %d exists in this host", pid)
	}
	return pid
}

var libDirs = []string{
	"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu",
	"/usr/lib64", "/lib64", "/usr/lib", "/lib",
}

// SystemLibrary returns the resolved path of a shared library installed in the host
func SystemLibrary(t testing.TB, soname string) string {
	t.Helper()
	for _, dir := range libDirs {
		path, err := filepath.EvalSymlinks(filepath.Join(dir, soname))
		if err == nil {
			return path
		}
	}
	t.Skipf("%s is not installed", soname)
	return ""
}

// LookPath returns the path of an executable, skipping the test if it is not installed
func LookPath(t testing.TB, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

// StartProcess runs a command that is killed at the end of the test
func StartProcess(t testing.TB, name string, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(LookPath(t, name), args...)
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %s: %v", name, err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}
