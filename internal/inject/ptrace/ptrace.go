//go:build linux && amd64

// Package ptrace loads the probe into a process by taking control of it with the kernel
// trace facility, and making it call its own dynamic loader.
package ptrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
)

const Name = "ptrace"

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 0,
		Modes:    inject.ModeAttach | inject.ModeLaunch,
		New: func(_ *inject.Options) inject.Injector {
			return New()
		},
	}
}

type Injector struct {
	log *slog.Logger
}

func New() *Injector {
	return &Injector{log: slog.With("component", "ptrace.Injector")}
}

func (i *Injector) Name() string {
	return Name
}

func (i *Injector) Modes() inject.Mode {
	return inject.ModeAttach | inject.ModeLaunch
}

func (i *Injector) Attach(ctx context.Context, target inject.ByProcessID, artifact probe.Artifact) inject.Outcome {
	if err := inject.CheckArtifact(artifact); err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	info, err := inject.CheckProcess(ctx, target)
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	log := i.log.With("pid", target.PID, "name", info.Name)

	err = onTracerThread(func() error {
		t, err := attach(target.PID)
		if err != nil {
			return err
		}
		log.Debug("attached to the process")
		defer func() {
			if err := t.detach(); err != nil {
				log.Warn("can't detach from the process", "error", err)
			}
		}()
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, err)
		}
		return t.load(log, artifact)
	})
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	return inject.Succeeded(Name, target.PID)
}

func (i *Injector) Launch(ctx context.Context, target inject.ByLaunchSpec, artifact probe.Artifact) inject.Outcome {
	if err := inject.CheckArtifact(artifact); err != nil {
		return inject.Failed(Name, 0, err)
	}

	// the process is forked from the tracer thread: only that thread can trace it
	pid := 0
	err := onTracerThread(func() error {
		cmd := exec.Command(target.Executable, target.Args...)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
		if err := cmd.Start(); err != nil {
			return inject.MechanismError("starting "+target.Executable, err)
		}
		pid = cmd.Process.Pid
		log := i.log.With("pid", pid, "executable", target.Executable)

		err := launched(ctx, log, pid, artifact)
		if err != nil {
			log.Debug("killing the process after the failed injection", "error", err)
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		// must not start earlier: it would steal the stop notifications of the tracee
		go func() {
			_ = cmd.Wait()
		}()
		return err
	})
	if err != nil {
		return inject.Failed(Name, pid, err)
	}
	return inject.Succeeded(Name, pid)
}

// launched injects the probe into a process that is stopped after its exec
func launched(ctx context.Context, log *slog.Logger, pid int, artifact probe.Artifact) error {
	t := &tracee{pid: pid}
	if _, err := t.wait(); err != nil {
		return err
	}
	defer func() {
		if err := t.detach(); err != nil {
			log.Warn("can't detach from the process", "error", err)
		}
	}()
	// the dynamic linker has mapped and relocated libc once the program reaches its entry point
	if err := t.runToEntry(); err != nil {
		return err
	}
	log.Debug("process stopped at its entry point")
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, err)
	}
	return t.load(log, artifact)
}

// onTracerThread runs fn in a goroutine locked to its OS thread. The kernel only accepts
// trace requests from the thread that attached to the tracee.
func onTracerThread(fn func() error) error {
	errs := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		// not unlocking: the thread exits with the goroutine and its tracer state is discarded
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("%w: %v", inject.ErrInjectionMechanismFailed, r)
			}
		}()
		errs <- fn()
	}()
	return <-errs
}

func ptraceError(step string, err error) error {
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: %s: process is gone", inject.ErrTargetProcessUnavailable, step)
	}
	return inject.MechanismError(step, err)
}
