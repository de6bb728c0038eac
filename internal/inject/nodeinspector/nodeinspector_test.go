//go:build linux

package nodeinspector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/objfile"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
	"github.com/grafana/endoscope/internal/testutil"
)

// fakeInspector answers the inspector protocol like node does
type fakeInspector struct {
	*httptest.Server
	// evaluate returns the result object of Runtime.evaluate
	evaluate    func(expression string) map[string]any
	mu          sync.Mutex
	expressions []string
}

func newFakeInspector(t *testing.T, evaluate func(string) map[string]any) *fakeInspector {
	f := &fakeInspector{evaluate: evaluate}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(rw http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(rw).Encode([]map[string]string{{
			"webSocketDebuggerUrl": "ws://" + req.Host + "/0f2c936f-b1ce-4ff8-8ab6-6f0e8ee6e8b6",
		}})
	})
	mux.HandleFunc("/0f2c936f-b1ce-4ff8-8ab6-6f0e8ee6e8b6", func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			resp := map[string]any{"id": msg.ID, "result": map[string]any{}}
			switch msg.Method {
			case "Runtime.enable":
				_ = conn.WriteJSON(map[string]any{"method": "Runtime.executionContextCreated"})
			case "Runtime.evaluate":
				expr, _ := msg.Params["expression"].(string)
				f.mu.Lock()
				f.expressions = append(f.expressions, expr)
				f.mu.Unlock()
				resp["result"] = f.evaluate(expr)
			default:
				resp = map[string]any{"id": msg.ID, "error": map[string]any{"message": "unknown method"}}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeInspector) addr() string {
	return strings.TrimPrefix(f.URL, "http://")
}

// entryCalled is the result of the addon loading expression when the entry function ran
func entryCalled(string) map[string]any {
	return map[string]any{"result": map[string]any{"type": "boolean", "value": true}}
}

func noEntry(string) map[string]any {
	return map[string]any{"result": map[string]any{"type": "boolean", "value": false}}
}

func exception(description string) func(string) map[string]any {
	return func(string) map[string]any {
		return map[string]any{
			"result": map[string]any{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]any{
				"text":      "Uncaught",
				"exception": map[string]any{"description": description},
			},
		}
	}
}

func testInjector(addr string, mapped bool, mapErr error) (*Injector, *[]int) {
	signaled := &[]int{}
	i := New(&inject.NodeConfig{InspectorAddr: addr, Timeout: 5 * time.Second})
	i.openInspector = func(pid int) error {
		*signaled = append(*signaled, pid)
		return nil
	}
	i.isMapped = func(int, string) (bool, error) { return mapped, mapErr }
	i.symbolOf = func(string, string) (uint64, error) { return 0x1040, nil }
	return i, signaled
}

func fakeArtifact(t *testing.T) probe.Artifact {
	path := testutil.WriteObject(t, filepath.Join(t.TempDir(), "libendoscope_probe.so"), runtime.GOARCH)
	return probe.Artifact{Name: "endoscope_probe", Path: path, EntrySymbol: "endoscope_probe_inject", Arch: runtime.GOARCH}
}

func TestAttach(t *testing.T) {
	fake := newFakeInspector(t, entryCalled)
	i, signaled := testInjector(fake.addr(), true, nil)
	artifact := fakeArtifact(t)

	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, artifact)
	require.True(t, out.Succeeded, out.Message())
	assert.Equal(t, []int{os.Getpid()}, *signaled)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.expressions, 1)
	assert.Equal(t, fmt.Sprintf(loadAddonExpr, artifact.Path, "endoscope_probe_inject"), fake.expressions[0])
	assert.Contains(t, fake.expressions[0], `process.dlopen(addon, "`+artifact.Path+`")`)
	assert.Contains(t, fake.expressions[0], `addon.exports["endoscope_probe_inject"]`)
}

func TestAttach_NotAnAddon(t *testing.T) {
	i, signaled := testInjector("127.0.0.1:9229", true, nil)
	i.symbolOf = objfile.SymbolOffset
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrArtifactUnusable)
	assert.Contains(t, out.Message(), AddonSymbol)
	assert.Empty(t, *signaled)
}

func TestAttach_NotSelfRegistered(t *testing.T) {
	// node unloads the library: it must not be reported as injected even if it was mapped once
	fake := newFakeInspector(t, exception("Error: Module did not self-register: '/tmp/libendoscope_probe.so'."))
	i, _ := testInjector(fake.addr(), true, nil)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.False(t, out.Succeeded)
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
	assert.Contains(t, out.Message(), "did not self-register")
}

func TestAttach_NoEntryFunction(t *testing.T) {
	fake := newFakeInspector(t, noEntry)
	i, _ := testInjector(fake.addr(), true, nil)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrArtifactUnusable)
	assert.Contains(t, out.Message(), "endoscope_probe_inject")
}

func TestAttach_NotMapped(t *testing.T) {
	fake := newFakeInspector(t, entryCalled)
	i, _ := testInjector(fake.addr(), false, nil)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
}

func TestAttach_NoProcFS(t *testing.T) {
	fake := newFakeInspector(t, entryCalled)
	i, _ := testInjector(fake.addr(), false, procs.ErrNoProcFS)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.True(t, out.Succeeded, out.Message())
}

func TestAttach_DlopenError(t *testing.T) {
	fake := newFakeInspector(t, exception("Error: libendoscope_probe.so: wrong ELF class: ELFCLASS32"))
	i, _ := testInjector(fake.addr(), true, nil)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrTargetDidNotLoadProbe)
	assert.Contains(t, out.Message(), "wrong ELF class")
}

func TestAttach_InspectorNotListening(t *testing.T) {
	fake := newFakeInspector(t, entryCalled)
	addr := fake.addr()
	fake.Close()
	i, _ := testInjector(addr, true, nil)
	i.cfg.Timeout = 500 * time.Millisecond
	out := i.Attach(context.Background(), inject.ByProcessID{PID: os.Getpid()}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrInjectionMechanismFailed)
}

func TestAttach_NoSuchProcess(t *testing.T) {
	i, signaled := testInjector("127.0.0.1:9229", true, nil)
	out := i.Attach(context.Background(), inject.ByProcessID{PID: testutil.MissingPID(t)}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrTargetProcessUnavailable)
	assert.Empty(t, *signaled)
}

func TestLaunchUnsupported(t *testing.T) {
	out := New(&inject.DefaultOptions.Node).Launch(context.Background(), inject.ByLaunchSpec{Executable: "node"}, fakeArtifact(t))
	assert.ErrorIs(t, out.Err, inject.ErrUnsupportedMode)
}

func TestSplitAddr(t *testing.T) {
	ip, port, err := splitAddr("127.0.0.1:9229")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
	assert.Equal(t, 9229, port)

	_, _, err = splitAddr("[::1]:9229")
	assert.Error(t, err)
	_, _, err = splitAddr("localhost")
	assert.Error(t, err)
}

func TestStageArtifact_SameRoot(t *testing.T) {
	artifact := fakeArtifact(t)
	path, cleanup, err := stageArtifact(os.Getpid(), artifact.Path)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, artifact.Path, path)
}
