// Package procs provides information about the processes that are injection targets.
package procs

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrNotFound = errors.New("no such process")
	// ErrNoProcFS is returned by the memory-map inspection functions on systems without /proc
	ErrNoProcFS = errors.New("process memory maps are not available on this system")
)

// Info about a running process
type Info struct {
	PID  int
	Name string
	Exe  string
}

// Lookup checks that the process exists and returns its metadata. Name and executable are filled
// on a best-effort basis since they might not be readable for processes owned by other users.
func Lookup(ctx context.Context, pid int) (Info, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return Info{}, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Info{}, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return Info{}, fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	info := Info{PID: pid}
	info.Name, _ = proc.NameWithContext(ctx)
	info.Exe, _ = proc.ExeWithContext(ctx)
	return info, nil
}
