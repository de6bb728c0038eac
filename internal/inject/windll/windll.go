//go:build windows

// Package windll launches processes suspended and makes them load the probe from a
// remote thread before their main thread runs.
package windll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
)

const Name = "windll"

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
	procLoadLibraryW       = kernel32.NewProc("LoadLibraryW")
)

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 0,
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
		log: slog.With("component", "windll.Injector"),
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

	pi, err := createSuspended(target)
	if err != nil {
		return inject.Failed(Name, 0, err)
	}
	defer windows.CloseHandle(pi.Process)
	defer windows.CloseHandle(pi.Thread)
	pid := int(pi.ProcessId)
	log := i.log.With("pid", pid, "executable", target.Executable)
	log.Debug("process created suspended")

	if err := i.inject(ctx, pi.Process, artifact); err != nil {
		log.Debug("terminating the process after the failed injection", "error", err)
		_ = windows.TerminateProcess(pi.Process, 1)
		return inject.Failed(Name, pid, err)
	}
	if _, err := windows.ResumeThread(pi.Thread); err != nil {
		_ = windows.TerminateProcess(pi.Process, 1)
		return inject.Failed(Name, pid, inject.MechanismError("resuming the main thread", err))
	}
	log.Debug("probe loaded. Main thread resumed")
	return inject.Succeeded(Name, pid)
}

func createSuspended(target inject.ByLaunchSpec) (*windows.ProcessInformation, error) {
	exe, err := windows.UTF16PtrFromString(target.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", inject.ErrInvalidTarget, err)
	}
	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{target.Executable}, target.Args...)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", inject.ErrInvalidTarget, err)
	}
	si := windows.StartupInfo{}
	si.Cb = uint32(unsafe.Sizeof(si))
	pi := windows.ProcessInformation{}
	if err := windows.CreateProcess(exe, cmdLine, nil, nil, false,
		windows.CREATE_SUSPENDED|windows.CREATE_UNICODE_ENVIRONMENT, nil, nil, &si, &pi); err != nil {
		return nil, inject.MechanismError("creating process "+target.Executable, err)
	}
	return &pi, nil
}

func (i *Injector) inject(ctx context.Context, process windows.Handle, artifact probe.Artifact) error {
	path, err := windows.UTF16FromString(artifact.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", inject.ErrArtifactUnusable, err)
	}
	size := uintptr(len(path) * 2)
	remote, err := virtualAllocEx(process, size)
	if err != nil {
		return inject.MechanismError("allocating memory", err)
	}
	defer func() {
		_ = virtualFreeEx(process, remote)
	}()
	if err := windows.WriteProcessMemory(process, remote, (*byte)(unsafe.Pointer(&path[0])), size, nil); err != nil {
		return inject.MechanismError("writing the probe path", err)
	}

	if err := procLoadLibraryW.Find(); err != nil {
		return inject.MechanismError("locating LoadLibraryW", err)
	}
	// kernel32 is mapped at the same address in every process of the session
	// the exit code only holds the low half of the module handle: the module list of the
	// process tells whether the library was loaded
	if _, err := i.runRemote(ctx, process, procLoadLibraryW.Addr(), remote); err != nil {
		return err
	}
	entry, err := remoteEntry(process, artifact)
	if err != nil {
		return fmt.Errorf("%w: %w", inject.ErrTargetDidNotLoadProbe, err)
	}
	if _, err := i.runRemote(ctx, process, entry, 0); err != nil {
		return err
	}
	return nil
}

// runRemote runs fn(arg) in a new thread of the process and returns the thread exit code.
// Only the low 32 bits of the function result are available.
func (i *Injector) runRemote(ctx context.Context, process windows.Handle, fn, arg uintptr) (uint32, error) {
	thread, err := createRemoteThread(process, fn, arg)
	if err != nil {
		return 0, inject.MechanismError("creating remote thread", err)
	}
	defer windows.CloseHandle(thread)

	deadline := time.Now().Add(i.cfg.ConfirmTimeout)
	for {
		ev, err := windows.WaitForSingleObject(thread, uint32(i.cfg.PollInterval.Milliseconds())+1)
		if err != nil {
			return 0, inject.MechanismError("waiting for remote thread", err)
		}
		if ev == windows.WAIT_OBJECT_0 {
			break
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, ctx.Err())
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: remote thread still running after %s", inject.ErrTargetDidNotLoadProbe, i.cfg.ConfirmTimeout)
		}
	}
	var code uint32
	if r, _, err := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&code))); r == 0 {
		return 0, inject.MechanismError("getting remote thread exit code", err)
	}
	return code, nil
}

// remoteEntry computes the address of the entry symbol in the process from the remote module
// base and the symbol offset in a local, non-initialized, copy of the library
func remoteEntry(process windows.Handle, artifact probe.Artifact) (uintptr, error) {
	pid, err := windows.GetProcessId(process)
	if err != nil {
		return 0, err
	}
	base, err := remoteModuleBase(pid, artifact.Path)
	if err != nil {
		return 0, err
	}
	local, err := windows.LoadLibraryEx(artifact.Path, 0, windows.DONT_RESOLVE_DLL_REFERENCES)
	if err != nil {
		return 0, fmt.Errorf("loading %s locally: %w", artifact.Path, err)
	}
	defer windows.FreeLibrary(local)
	addr, err := windows.GetProcAddress(local, artifact.EntrySymbol)
	if err != nil {
		return 0, fmt.Errorf("entry symbol %s: %w", artifact.EntrySymbol, err)
	}
	return base + (addr - uintptr(local)), nil
}

var errModuleNotFound = errors.New("module not loaded")

func remoteModuleBase(pid uint32, path string) (uintptr, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return 0, fmt.Errorf("module snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	entry := windows.ModuleEntry32{}
	entry.Size = uint32(unsafe.Sizeof(entry))
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		if samePath(windows.UTF16ToString(entry.ExePath[:]), path) {
			return entry.ModBaseAddr, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", path, errModuleNotFound)
}

func samePath(a, b string) bool {
	return strings.EqualFold(filepath.Clean(a), filepath.Clean(b))
}

func virtualAllocEx(process windows.Handle, size uintptr) (uintptr, error) {
	r, _, err := procVirtualAllocEx.Call(uintptr(process), 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if r == 0 {
		return 0, err
	}
	return r, nil
}

func virtualFreeEx(process windows.Handle, addr uintptr) error {
	r, _, err := procVirtualFreeEx.Call(uintptr(process), addr, 0, windows.MEM_RELEASE)
	if r == 0 {
		return err
	}
	return nil
}

func createRemoteThread(process windows.Handle, fn, arg uintptr) (windows.Handle, error) {
	r, _, err := procCreateRemoteThread.Call(uintptr(process), 0, 0, fn, arg, 0, 0)
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}
