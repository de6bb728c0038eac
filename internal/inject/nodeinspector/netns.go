//go:build linux

package nodeinspector

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// withNetNS runs fn in a thread that joined the network namespace of the process.
// The thread is discarded afterwards.
func withNetNS(pid int, fn func() error) error {
	errs := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		// not unlocking: the thread stays in the namespace of the target
		defer func() {
			if r := recover(); r != nil {
				errs <- fmt.Errorf("panic in namespace %d: %v", pid, r)
			}
		}()
		if err := joinNetNS(pid); err != nil {
			errs <- err
			return
		}
		errs <- fn()
	}()
	return <-errs
}

func joinNetNS(pid int) error {
	nsPath := fmt.Sprintf("/proc/%d/ns/net", pid)
	target, err := os.Stat(nsPath)
	if err != nil {
		return fmt.Errorf("network namespace of %d: %w", pid, err)
	}
	if own, err := os.Stat("/proc/thread-self/ns/net"); err == nil && os.SameFile(own, target) {
		return nil
	}
	fd, err := unix.Open(nsPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", nsPath, err)
	}
	defer unix.Close(fd)
	if err := unix.Setns(fd, unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("joining %s: %w", nsPath, os.NewSyscallError("setns", err))
	}
	return nil
}
