//go:build linux && amd64

package ptrace

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/objfile"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

const (
	rtldNow = 0x2
	// __RTLD_DLOPEN flag required by the glibc internal loading function
	rtldDlopen = 0x80000000
	redZone    = 128
	int3       = 0xcc
)

// dynamic loader entry points, in order of preference
var loaders = []struct {
	lib, symbol string
	mode        uint64
}{
	{lib: "libc.so", symbol: "dlopen", mode: rtldNow},
	{lib: "libc-", symbol: "dlopen", mode: rtldNow},
	{lib: "libdl.so", symbol: "dlopen", mode: rtldNow},
	{lib: "libdl-", symbol: "dlopen", mode: rtldNow},
	{lib: "ld-musl", symbol: "dlopen", mode: rtldNow},
	{lib: "libc.musl", symbol: "dlopen", mode: rtldNow},
	{lib: "libc.so", symbol: "__libc_dlopen_mode", mode: rtldNow | rtldDlopen},
	{lib: "libc-", symbol: "__libc_dlopen_mode", mode: rtldNow | rtldDlopen},
}

// tracee is a process stopped under our control
type tracee struct {
	pid   int
	saved unix.PtraceRegs
}

func attach(pid int) (*tracee, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, ptraceError("attaching", err)
	}
	t := &tracee{pid: pid}
	if _, err := t.wait(); err != nil {
		_ = unix.PtraceDetach(pid)
		return nil, err
	}
	return t, nil
}

func (t *tracee) detach() error {
	return unix.PtraceDetach(t.pid)
}

// wait until the tracee stops, and return the stop signal
func (t *tracee) wait() (unix.Signal, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(t.pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, ptraceError("waiting", err)
		}
		switch {
		case ws.Stopped():
			return ws.StopSignal(), nil
		case ws.Exited():
			return 0, fmt.Errorf("%w: process exited with status %d", inject.ErrTargetProcessUnavailable, ws.ExitStatus())
		case ws.Signaled():
			return 0, fmt.Errorf("%w: process killed by %s", inject.ErrTargetProcessUnavailable, ws.Signal())
		}
	}
}

// resume the tracee until it stops with the given signal. Other stops are forwarded.
func (t *tracee) resumeUntil(want unix.Signal) error {
	deliver := 0
	for {
		if err := unix.PtraceCont(t.pid, deliver); err != nil {
			return ptraceError("resuming", err)
		}
		sig, err := t.wait()
		if err != nil {
			return err
		}
		if sig == want {
			return nil
		}
		deliver = int(sig)
		if sig == unix.SIGSTOP {
			deliver = 0
		}
	}
}

func (t *tracee) peek(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := unix.PtracePeekData(t.pid, uintptr(addr), buf); err != nil {
		return nil, ptraceError("reading memory", err)
	}
	return buf, nil
}

func (t *tracee) poke(addr uint64, data []byte) error {
	if _, err := unix.PtracePokeData(t.pid, uintptr(addr), data); err != nil {
		return ptraceError("writing memory", err)
	}
	return nil
}

// runToEntry resumes a process stopped at exec until it reaches the program entry point
func (t *tracee) runToEntry() error {
	entry, err := procs.EntryPoint(t.pid)
	if err != nil {
		return inject.MechanismError("reading entry point", err)
	}
	orig, err := t.peek(entry, 8)
	if err != nil {
		return err
	}
	trap := append([]byte{int3}, orig[1:]...)
	if err := t.poke(entry, trap); err != nil {
		return err
	}
	if err := t.resumeUntil(unix.SIGTRAP); err != nil {
		return err
	}
	if err := t.poke(entry, orig); err != nil {
		return err
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return ptraceError("reading registers", err)
	}
	if regs.Rip != entry+1 {
		return fmt.Errorf("%w: stopped at %#x instead of the entry point %#x", inject.ErrInjectionMechanismFailed, regs.Rip, entry)
	}
	regs.Rip = entry
	if err := unix.PtraceSetRegs(t.pid, &regs); err != nil {
		return ptraceError("writing registers", err)
	}
	return nil
}

// load makes the tracee load the artifact and run its entry symbol. The registers and
// the overwritten stack are restored on return.
func (t *tracee) load(log *slog.Logger, artifact probe.Artifact) (err error) {
	if err := unix.PtraceGetRegs(t.pid, &t.saved); err != nil {
		return ptraceError("reading registers", err)
	}
	defer func() {
		if rerr := unix.PtraceSetRegs(t.pid, &t.saved); rerr != nil && err == nil {
			err = ptraceError("restoring registers", rerr)
		}
	}()

	loader, mode, err := t.findLoader()
	if err != nil {
		return err
	}

	// the path string goes below the red zone of the interrupted code
	path := append([]byte(artifact.Path), 0)
	strAddr := (t.saved.Rsp - redZone - uint64(len(path))) &^ 15
	// the return address of the remote calls goes right below. The callee then sees the
	// stack alignment of a call instruction
	scratch := strAddr - 8
	backup, err := t.peek(scratch, int(t.saved.Rsp-redZone-scratch))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := t.poke(scratch, backup); rerr != nil && err == nil {
			err = rerr
		}
	}()
	if err := t.poke(strAddr, path); err != nil {
		return err
	}

	handle, err := t.call(scratch, loader, strAddr, mode)
	if err != nil {
		return err
	}
	if handle == 0 {
		return fmt.Errorf("%w: dlopen(%s) returned NULL", inject.ErrTargetDidNotLoadProbe, artifact.Path)
	}
	log.Debug("probe loaded", "handle", fmt.Sprintf("%#x", handle))

	entry, err := t.remoteSymbol(artifact.Path, artifact.EntrySymbol)
	if err != nil {
		return fmt.Errorf("%w: %w", inject.ErrTargetDidNotLoadProbe, err)
	}
	if _, err := t.call(scratch, entry, 0, 0); err != nil {
		return err
	}
	log.Debug("probe entry point invoked", "symbol", artifact.EntrySymbol)
	return nil
}

// call the function at fn in the tracee with up to two arguments. The stack pointer is set to
// sp, where a zero return address makes the call end in a segmentation fault stop.
func (t *tracee) call(sp, fn, arg0, arg1 uint64) (uint64, error) {
	if err := t.poke(sp, make([]byte, 8)); err != nil {
		return 0, err
	}
	regs := t.saved
	regs.Rip = fn
	regs.Rdi = arg0
	regs.Rsi = arg1
	regs.Rax = 0
	// not restarting any system call interrupted by the attach
	regs.Orig_rax = ^uint64(0)
	// as if the return address had been pushed by a call instruction
	regs.Rsp = sp
	if err := unix.PtraceSetRegs(t.pid, &regs); err != nil {
		return 0, ptraceError("writing registers", err)
	}
	if err := t.resumeUntil(unix.SIGSEGV); err != nil {
		return 0, err
	}
	if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
		return 0, ptraceError("reading registers", err)
	}
	if regs.Rip != 0 {
		return 0, fmt.Errorf("%w: the process faulted at %#x during the remote call",
			inject.ErrTargetDidNotLoadProbe, regs.Rip)
	}
	return regs.Rax, nil
}

// hostPath translates a path of the tracee's mount namespace
func (t *tracee) hostPath(path string) string {
	return filepath.Join("/proc", strconv.Itoa(t.pid), "root", path)
}

func (t *tracee) findLoader() (addr, mode uint64, err error) {
	maps, err := procs.FindLibMaps(t.pid)
	if err != nil {
		return 0, 0, inject.MechanismError("reading memory maps", err)
	}
	anyMapped := false
	for _, l := range loaders {
		m := procs.LibPath(l.lib, maps)
		if m == nil {
			continue
		}
		anyMapped = true
		base, ok := procs.ImageBase(m.Pathname, maps)
		if !ok {
			continue
		}
		off, err := objfile.SymbolOffset(t.hostPath(m.Pathname), l.symbol)
		if err != nil {
			continue
		}
		return base + off, l.mode, nil
	}
	if !anyMapped {
		// statically linked, or still being set up by the dynamic linker
		return 0, 0, fmt.Errorf("%w: no C library is mapped in the process yet", inject.ErrInjectionMechanismFailed)
	}
	return 0, 0, fmt.Errorf("%w: no dynamic loader function found in the process", inject.ErrInjectionMechanismFailed)
}

func (t *tracee) remoteSymbol(path, symbol string) (uint64, error) {
	maps, err := procs.FindLibMaps(t.pid)
	if err != nil {
		return 0, err
	}
	mapped := path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		mapped = resolved
	}
	base, ok := procs.ImageBase(mapped, maps)
	if !ok {
		return 0, fmt.Errorf("%s is not mapped", mapped)
	}
	off, err := objfile.SymbolOffset(path, symbol)
	if err != nil {
		return 0, err
	}
	return base + off, nil
}
