//go:build linux

// Package nodeinspector loads the probe into a Node.js process through its V8 inspector.
//
// The probe must be a Node-API addon: node calls its registration hook while loading it, then
// the function that the addon exports under the name of the entry symbol is called.
package nodeinspector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/objfile"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

const Name = "nodeinspector"

// AddonSymbol is the registration hook of Node-API addons
const AddonSymbol = "napi_register_module_v1"

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 40,
		Modes:    inject.ModeAttach,
		New: func(opts *inject.Options) inject.Injector {
			return New(&opts.Node)
		},
	}
}

type Injector struct {
	log *slog.Logger
	cfg *inject.NodeConfig
	// openInspector asks the process to start listening for inspector connections
	openInspector func(pid int) error
	isMapped      func(pid int, path string) (bool, error)
	symbolOf      func(path, symbol string) (uint64, error)
}

func New(cfg *inject.NodeConfig) *Injector {
	return &Injector{
		log: slog.With("component", "nodeinspector.Injector"),
		cfg: cfg,
		openInspector: func(pid int) error {
			return unix.Kill(pid, unix.SIGUSR1)
		},
		isMapped: procs.IsMapped,
		symbolOf: objfile.SymbolOffset,
	}
}

func (i *Injector) Name() string {
	return Name
}

func (i *Injector) Modes() inject.Mode {
	return inject.ModeAttach
}

func (i *Injector) Launch(_ context.Context, _ inject.ByLaunchSpec, _ probe.Artifact) inject.Outcome {
	return inject.Unsupported(i, 0, inject.ModeLaunch)
}

func (i *Injector) Attach(ctx context.Context, target inject.ByProcessID, artifact probe.Artifact) inject.Outcome {
	if err := inject.CheckArtifact(artifact); err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	if _, err := i.symbolOf(artifact.Path, AddonSymbol); err != nil {
		return inject.Failed(Name, target.PID, fmt.Errorf("%w: not a Node-API addon: %w", inject.ErrArtifactUnusable, err))
	}
	info, err := inject.CheckProcess(ctx, target)
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	log := i.log.With("pid", target.PID, "name", info.Name)

	path, cleanup, err := stageArtifact(target.PID, artifact.Path)
	if err != nil {
		return inject.Failed(Name, target.PID, inject.MechanismError("copying the probe", err))
	}
	defer cleanup()

	if err := i.openInspector(target.PID); err != nil {
		return inject.Failed(Name, target.PID, inject.MechanismError("enabling the node inspector", err))
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()
	err = withNetNS(target.PID, func() error {
		return i.load(ctx, log, path, artifact.EntrySymbol)
	})
	switch {
	case errors.Is(err, errNotSelfRegistered), errors.Is(err, errAddonFailed):
		return inject.Failed(Name, target.PID, fmt.Errorf("%w: %w", inject.ErrTargetDidNotLoadProbe, err))
	case errors.Is(err, errNoEntry):
		return inject.Failed(Name, target.PID, fmt.Errorf("%w: %w", inject.ErrArtifactUnusable, err))
	case err != nil:
		return inject.Failed(Name, target.PID, inject.MechanismError("node inspector", err))
	}

	mapped, err := i.isMapped(target.PID, path)
	switch {
	case errors.Is(err, procs.ErrNoProcFS):
		log.Debug("can't confirm the probe is mapped", "error", err)
	case err != nil:
		return inject.Failed(Name, target.PID, inject.MechanismError("reading the process mappings", err))
	case !mapped:
		return inject.Failed(Name, target.PID, fmt.Errorf("%w: %s is not mapped", inject.ErrTargetDidNotLoadProbe, path))
	}
	return inject.Succeeded(Name, target.PID)
}

func (i *Injector) load(ctx context.Context, log *slog.Logger, path, entry string) error {
	conn, err := connectWait(ctx, i.cfg.InspectorAddr, i.cfg.Timeout, pollInterval)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	wsURL, err := requestDebuggerURL(log, conn)
	if err != nil {
		conn.Close()
		return err
	}
	log.Debug("found debugger url", "url", wsURL)

	wsConn, err := upgradeConn(conn, wsURL)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to inspector WebSocket: %w", err)
	}
	s := newSession(log, wsConn)
	defer s.close()
	return s.loadAddon(ctx, path, entry)
}

// stageArtifact returns the path of the artifact as seen by the process. When it runs in
// another mount namespace, the artifact is copied into its root filesystem.
func stageArtifact(pid int, path string) (string, func(), error) {
	noop := func() {}
	root := fmt.Sprintf("/proc/%d/root", pid)
	targetRoot, err := os.Stat(root)
	if err != nil {
		return "", noop, err
	}
	if ownRoot, err := os.Stat("/"); err == nil && os.SameFile(ownRoot, targetRoot) {
		return path, noop, nil
	}

	// a fixed name, so repeated attachments don't load different copies
	inTarget := "/endoscope_" + filepath.Base(path)
	dst := filepath.Join(root, inTarget)
	if err := copyFile(path, dst); err != nil {
		return "", noop, err
	}
	return inTarget, func() { _ = os.Remove(dst) }, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o555)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
