package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/endoscope/internal/testutil"
)

// installs the system zlib as the "z" probe
func zlibProbe(t *testing.T) {
	emptyProbeDirs(t)
	lib := testutil.SystemLibrary(t, "libz.so.1")
	content, err := os.ReadFile(lib)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(os.Getenv("ENDOSCOPE_PROBE_PATH"), "libz.so"), content, 0o755))
	t.Setenv("ENDOSCOPE_PROBE_ENTRY_SYMBOL", "zlibVersion")
}

func TestUnknownInjector(t *testing.T) {
	zlibProbe(t)
	code, _, stderr := runCLI(t, "--probe", "z", "-i", "dtrace", "/bin/true")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, `strategy selection: unknown injector "dtrace"`)
}

func TestUnsupportedMode(t *testing.T) {
	zlibProbe(t)
	code, _, stderr := runCLI(t, "--probe", "z", "-i", "preload", "--pid", "1")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, `injector "preload": unsupported mode`)
}

func TestLaunchWithPreload(t *testing.T) {
	zlibProbe(t)
	textfile := filepath.Join(t.TempDir(), "endoscope.prom")
	t.Setenv("ENDOSCOPE_INTERNAL_METRICS_TEXTFILE", textfile)

	code, _, stderr := runCLI(t, "--probe", "z", "-i", "preload", testutil.LookPath(t, "true"))
	require.Equal(t, exitOK, code, stderr)

	metrics, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `endoscope_injection_results_total{result="success",strategy="preload"} 1`)
}
