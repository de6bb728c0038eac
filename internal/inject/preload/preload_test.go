//go:build linux

package preload

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mariomac/guara/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
	"github.com/grafana/endoscope/internal/testutil"
)

func testConfig() *inject.LaunchConfig {
	return &inject.LaunchConfig{ConfirmTimeout: 300 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

// fakeArtifact can't be loaded: the dynamic linker warns and ignores it
func fakeArtifact(t *testing.T) probe.Artifact {
	path := testutil.WriteObject(t, filepath.Join(t.TempDir(), "libendoscope_probe.so"), runtime.GOARCH)
	return probe.Artifact{Name: "endoscope_probe", Path: path, EntrySymbol: "endoscope_probe_inject", Arch: runtime.GOARCH}
}

func zlibArtifact(t *testing.T) probe.Artifact {
	resolved := testutil.SystemLibrary(t, "libz.so.1")
	if err := inject.CheckArtifact(probe.Artifact{Path: resolved}); err != nil {
		t.Skipf("system zlib unusable: %v", err)
	}
	return probe.Artifact{Name: "z", Path: resolved, EntrySymbol: "z_inject"}
}

func killOnCleanup(t *testing.T, pid int) {
	t.Cleanup(func() {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Kill()
		}
	})
}

func requireGone(t *testing.T, pid int) {
	test.Eventually(t, 5*time.Second, func(t require.TestingT) {
		_, err := procs.Lookup(context.Background(), pid)
		require.Error(t, err)
	}, test.Interval(20*time.Millisecond))
}

func TestLaunch_ShortLivedProgramSucceeds(t *testing.T) {
	out := New(testConfig()).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "true")}, zlibArtifact(t))
	require.True(t, out.Succeeded, out.Message())
	assert.Equal(t, Name, out.Strategy)
	assert.NotZero(t, out.PID)
}

func TestLaunch_ShortLivedProgramRejectingTheProbe(t *testing.T) {
	// the program exits cleanly, but the dynamic linker ignored the probe
	out := New(testConfig()).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "true")}, fakeArtifact(t))
	require.False(t, out.Succeeded)
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
	assert.Contains(t, out.Message(), "rejected by the dynamic linker")
}

func TestLaunch_RejectedProbeKillsTheProcess(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = time.Minute
	start := time.Now()
	out := New(cfg).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "sleep"), Args: []string{"30"}}, fakeArtifact(t))
	require.False(t, out.Succeeded)
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
	assert.Less(t, time.Since(start), 30*time.Second)
	requireGone(t, out.PID)
}

func TestLaunch_FailingProgram(t *testing.T) {
	out := New(testConfig()).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "false")}, fakeArtifact(t))
	assert.False(t, out.Succeeded)
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
}

func TestLaunch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig()
	cfg.ConfirmTimeout = time.Minute
	out := New(cfg).Launch(ctx, inject.ByLaunchSpec{Executable: testutil.LookPath(t, "sleep"), Args: []string{"30"}}, zlibArtifact(t))
	require.False(t, out.Succeeded)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, out.PID)
}

func TestLaunch_RealLibraryIsObserved(t *testing.T) {
	art := zlibArtifact(t)
	cfg := testConfig()
	cfg.ConfirmTimeout = 5 * time.Second
	out := New(cfg).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "sleep"), Args: []string{"30"}}, art)
	require.True(t, out.Succeeded, out.Message())
	killOnCleanup(t, out.PID)
	mapped, err := procs.IsMapped(out.PID, art.Path)
	require.NoError(t, err)
	assert.True(t, mapped)
}

func TestLaunch_ExitedIsClosedAfterTheProcess(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 5 * time.Second
	out := New(cfg).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: testutil.LookPath(t, "sleep"), Args: []string{"0.5"}}, zlibArtifact(t))
	require.True(t, out.Succeeded, out.Message())
	killOnCleanup(t, out.PID)
	require.NotNil(t, out.Exited)
	select {
	case <-out.Exited:
	case <-time.After(10 * time.Second):
		t.Fatal("launched process still running")
	}
}

func TestConfirm(t *testing.T) {
	never := func() bool { return false }
	rejectedNow := func() <-chan string {
		ch := make(chan string, 1)
		ch <- "ld.so: object 'probe.so' from LD_PRELOAD cannot be preloaded: ignored."
		return ch
	}
	exitedWith := func(err error) <-chan error {
		ch := make(chan error, 1)
		ch <- err
		return ch
	}
	// memory maps of this process never contain this library
	const notMapped = "/nonexistent/libendoscope_probe.so"

	t.Run("handshake", func(t *testing.T) {
		running, err := New(testConfig()).confirm(context.Background(), os.Getpid(), notMapped,
			signals{handshake: func() bool { return true }})
		require.NoError(t, err)
		assert.True(t, running)
	})
	t.Run("rejected while running", func(t *testing.T) {
		running, err := New(testConfig()).confirm(context.Background(), os.Getpid(), notMapped,
			signals{handshake: never, rejected: rejectedNow()})
		require.ErrorIs(t, err, inject.ErrTargetDidNotLoadProbe)
		assert.Contains(t, err.Error(), "cannot be preloaded")
		assert.True(t, running)
	})
	t.Run("clean exit after rejection", func(t *testing.T) {
		_, err := New(testConfig()).confirm(context.Background(), os.Getpid(), notMapped,
			signals{handshake: never, rejected: rejectedNow(), exited: exitedWith(nil)})
		require.ErrorIs(t, err, inject.ErrTargetDidNotLoadProbe)
	})
	t.Run("clean exit", func(t *testing.T) {
		running, err := New(testConfig()).confirm(context.Background(), os.Getpid(), notMapped,
			signals{handshake: never, exited: exitedWith(nil)})
		require.NoError(t, err)
		assert.False(t, running)
	})
	t.Run("timeout", func(t *testing.T) {
		running, err := New(testConfig()).confirm(context.Background(), os.Getpid(), notMapped,
			signals{handshake: never})
		require.ErrorIs(t, err, inject.ErrTargetDidNotLoadProbe)
		assert.Contains(t, err.Error(), "not mapped after")
		assert.True(t, running)
	})
}

func TestLinkerWatcher(t *testing.T) {
	var out strings.Builder
	w := newLinkerWatcher(&out)

	_, err := w.Write([]byte("starting\nERROR: ld.so: object '/tmp/probe.so' from LD_PRE"))
	require.NoError(t, err)
	select {
	case msg := <-w.rejected:
		t.Fatalf("unexpected rejection before the end of the line: %s", msg)
	default:
	}
	_, err = w.Write([]byte("LOAD cannot be preloaded (wrong ELF class): ignored.\nsecond cannot be preloaded\n"))
	require.NoError(t, err)

	assert.Equal(t, "starting\nERROR: ld.so: object '/tmp/probe.so' from LD_PRELOAD cannot be preloaded (wrong ELF class): ignored.\nsecond cannot be preloaded\n", out.String())
	assert.Equal(t, "ERROR: ld.so: object '/tmp/probe.so' from LD_PRELOAD cannot be preloaded (wrong ELF class): ignored.", <-w.rejected)
	select {
	case msg := <-w.rejected:
		t.Fatalf("only the first rejection is reported, got %s", msg)
	default:
	}
}

func TestHandshake(t *testing.T) {
	h, err := newHandshake()
	require.NoError(t, err)
	defer h.close()
	assert.False(t, h.done())

	// the launched process writes to its inherited copy of the descriptor
	child, err := os.OpenFile("/proc/self/fd/"+strconv.Itoa(int(h.f.Fd())), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = child.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, child.Close())
	assert.True(t, h.done())
}

func TestLaunch_MissingExecutable(t *testing.T) {
	out := New(testConfig()).Launch(context.Background(),
		inject.ByLaunchSpec{Executable: filepath.Join(t.TempDir(), "missing")}, fakeArtifact(t))
	assert.False(t, out.Succeeded)
	assert.Zero(t, out.PID)
	assert.ErrorIs(t, out.Err, inject.ErrTargetProcessUnavailable)
}

func TestLaunch_UnusableArtifact(t *testing.T) {
	art := fakeArtifact(t)
	art.Path += ".missing"
	out := New(testConfig()).Launch(context.Background(), inject.ByLaunchSpec{Executable: testutil.LookPath(t, "true")}, art)
	assert.ErrorIs(t, out.Err, inject.ErrArtifactUnusable)
	assert.Zero(t, out.PID)
}

func TestAttach_Unsupported(t *testing.T) {
	out := New(testConfig()).Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.False(t, out.Succeeded)
	assert.Equal(t, Name, out.Strategy)
	assert.ErrorIs(t, out.Err, inject.ErrUnsupportedMode)
}

func TestPreloadEnv(t *testing.T) {
	art := probe.Artifact{Path: "/opt/probe.so", EntrySymbol: "probe_inject"}

	env := preloadEnv([]string{"HOME=/root", "LD_PRELOAD=/lib/other.so", "ENDOSCOPE_PROBE_ENTRY=stale", "ENDOSCOPE_HANDSHAKE_FD=9"}, "LD_PRELOAD", art)
	assert.ElementsMatch(t, []string{
		"HOME=/root",
		"LD_PRELOAD=/opt/probe.so:/lib/other.so",
		"ENDOSCOPE_PROBE_ENTRY=probe_inject",
		"ENDOSCOPE_HANDSHAKE_FD=3",
	}, env)

	env = preloadEnv([]string{"PATH=/bin", "LD_PRELOAD="}, "DYLD_INSERT_LIBRARIES", art)
	assert.Contains(t, env, "DYLD_INSERT_LIBRARIES=/opt/probe.so")
	assert.Contains(t, env, "LD_PRELOAD=")
	assert.Equal(t, 1, countPrefix(env, "DYLD_INSERT_LIBRARIES="))
}

func countPrefix(env []string, prefix string) int {
	n := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			n++
		}
	}
	return n
}
