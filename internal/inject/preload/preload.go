//go:build linux || darwin || freebsd || netbsd || openbsd

// Package preload launches processes with the probe preloaded by the dynamic linker.
package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

const Name = "preload"

// noProcFSGrace is the number of poll intervals to wait for an early exit when the memory
// maps of the process can't be inspected
const noProcFSGrace = 10

// EntryEnvVar tells the probe which of its symbols to run once loaded
const EntryEnvVar = "ENDOSCOPE_PROBE_ENTRY"

// HandshakeEnvVar holds the descriptor where the probe writes one byte once its entry ran
const HandshakeEnvVar = "ENDOSCOPE_HANDSHAKE_FD"

// handshakeFD is the first descriptor after stdin, stdout and stderr: the only entry of ExtraFiles
const handshakeFD = 3

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 10,
		Modes:    inject.ModeLaunch,
		New: func(opts *inject.Options) inject.Injector {
			return New(&opts.Launch)
		},
	}
}

type Injector struct {
	log *slog.Logger
	cfg *inject.LaunchConfig
}

func New(cfg *inject.LaunchConfig) *Injector {
	return &Injector{
		log: slog.With("component", "preload.Injector"),
		cfg: cfg,
	}
}

func (i *Injector) Name() string {
	return Name
}

func (i *Injector) Modes() inject.Mode {
	return inject.ModeLaunch
}

func (i *Injector) Attach(_ context.Context, target inject.ByProcessID, _ probe.Artifact) inject.Outcome {
	return inject.Unsupported(i, target.PID, inject.ModeAttach)
}

func (i *Injector) Launch(ctx context.Context, target inject.ByLaunchSpec, artifact probe.Artifact) inject.Outcome {
	if err := inject.CheckArtifact(artifact); err != nil {
		return inject.Failed(Name, 0, err)
	}
	if err := ctx.Err(); err != nil {
		return inject.Failed(Name, 0, fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, err))
	}

	handshake, err := newHandshake()
	if err != nil {
		return inject.Failed(Name, 0, inject.MechanismError("creating the handshake file", err))
	}
	defer handshake.close()
	linker := newLinkerWatcher(os.Stderr)

	cmd := exec.Command(target.Executable, target.Args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, linker
	cmd.ExtraFiles = []*os.File{handshake.f}
	cmd.Env = preloadEnv(os.Environ(), preloadVariable(runtime.GOOS), artifact)
	if err := cmd.Start(); err != nil {
		return inject.Failed(Name, 0, inject.MechanismError("starting "+target.Executable, err))
	}
	pid := cmd.Process.Pid
	log := i.log.With("pid", pid, "executable", target.Executable)
	log.Debug("process started. Waiting for the probe to be mapped", "probe", artifact.Path)

	// the child is reaped here whatever the outcome. It is not supervised after returning
	exited := make(chan error, 1)
	waited := make(chan struct{})
	go func() {
		exited <- cmd.Wait()
		close(waited)
	}()

	sig := signals{exited: exited, rejected: linker.rejected, handshake: handshake.done}
	if running, err := i.confirm(ctx, pid, artifact.Path, sig); err != nil {
		if running {
			log.Debug("killing the process after the failed injection")
			_ = cmd.Process.Kill()
		}
		return inject.Failed(Name, pid, err)
	}
	log.Debug("probe loaded")
	out := inject.Succeeded(Name, pid)
	// the stderr of the process is forwarded by this process until it exits
	out.Exited = waited
	return out
}

// signals that the launched process can emit while the probe is being confirmed
type signals struct {
	exited    <-chan error
	rejected  <-chan string // dynamic linker diagnostic when the probe was not preloaded
	handshake func() bool   // whether the probe wrote to the handshake descriptor
}

// confirm waits for the probe to be mapped into the process or to complete the handshake.
// On failure, it reports whether the process is still running.
func (i *Injector) confirm(ctx context.Context, pid int, path string, sig signals) (bool, error) {
	deadline := time.NewTimer(i.cfg.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(i.cfg.PollInterval)
	defer poll.Stop()

	noProcFS := false
	for {
		if sig.handshake() {
			return true, nil
		}
		if !noProcFS {
			mapped, err := procs.IsMapped(pid, path)
			switch {
			case err == nil && mapped:
				return true, nil
			case errors.Is(err, procs.ErrNoProcFS):
				// without memory maps, only the handshake, a linker rejection or an early exit
				// of the process can be detected
				noProcFS = true
				deadline.Reset(min(i.cfg.ConfirmTimeout, noProcFSGrace*i.cfg.PollInterval))
			case err != nil:
				i.log.Debug("can't inspect the process memory maps", "pid", pid, "error", err)
			}
		}
		select {
		case msg := <-sig.rejected:
			return true, rejectedError(msg)
		case err := <-sig.exited:
			// the stderr of the process is fully forwarded before Wait returns
			select {
			case msg := <-sig.rejected:
				return false, rejectedError(msg)
			default:
			}
			if sig.handshake() {
				return false, nil
			}
			if err == nil {
				// short-lived programs can finish before their maps are ever inspected.
				// A clean exit without a linker diagnostic means the probe was preloaded
				return false, nil
			}
			return false, fmt.Errorf("%w: process exited before the probe was observed: %w", inject.ErrTargetDidNotLoadProbe, err)
		case <-deadline.C:
			if noProcFS {
				i.log.Debug("memory maps unavailable: assuming the probe was loaded in the running process", "pid", pid)
				return true, nil
			}
			return true, fmt.Errorf("%w: %s not mapped after %s",
				inject.ErrTargetDidNotLoadProbe, path, i.cfg.ConfirmTimeout)
		case <-ctx.Done():
			return true, fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, ctx.Err())
		case <-poll.C:
		}
	}
}

func rejectedError(msg string) error {
	return fmt.Errorf("%w: rejected by the dynamic linker: %s", inject.ErrTargetDidNotLoadProbe, msg)
}

func preloadVariable(goos string) string {
	if goos == "darwin" {
		return "DYLD_INSERT_LIBRARIES"
	}
	return "LD_PRELOAD"
}

// preloadEnv returns environ with the probe prepended to the variable's previous libraries
func preloadEnv(environ []string, variable string, artifact probe.Artifact) []string {
	env := make([]string, 0, len(environ)+2)
	value := artifact.Path
	for _, kv := range environ {
		name, prev, _ := strings.Cut(kv, "=")
		switch name {
		case variable:
			if prev != "" {
				value += ":" + prev
			}
		case EntryEnvVar, HandshakeEnvVar:
		default:
			env = append(env, kv)
		}
	}
	return append(env, variable+"="+value, EntryEnvVar+"="+artifact.EntrySymbol,
		HandshakeEnvVar+"="+strconv.Itoa(handshakeFD))
}
