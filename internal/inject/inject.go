// Package inject defines the contract between the injection strategies and the controller
// that drives them.
package inject

import (
	"context"
	"fmt"
	"strings"

	"github.com/grafana/endoscope/internal/probe"
)

// Mode of injection: launching a new process or attaching to a running one.
// Strategies declare the set of modes they support.
type Mode uint8

const (
	ModeAttach Mode = 1 << iota
	ModeLaunch
)

func (m Mode) Has(o Mode) bool {
	return o != 0 && m&o == o
}

func (m Mode) String() string {
	var parts []string
	if m.Has(ModeAttach) {
		parts = append(parts, "attach")
	}
	if m.Has(ModeLaunch) {
		parts = append(parts, "launch")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Target process of an injection. It is either a ByProcessID or a ByLaunchSpec.
type Target interface {
	Mode() Mode
	String() string
	target()
}

// ByProcessID is an already running process
type ByProcessID struct {
	PID int
}

func (ByProcessID) Mode() Mode { return ModeAttach }
func (ByProcessID) target()    {}
func (t ByProcessID) String() string {
	return fmt.Sprintf("pid %d", t.PID)
}

// ByLaunchSpec is a process to be created
type ByLaunchSpec struct {
	Executable string
	Args       []string
}

func (ByLaunchSpec) Mode() Mode { return ModeLaunch }
func (ByLaunchSpec) target()    {}
func (t ByLaunchSpec) String() string {
	return strings.Join(append([]string{t.Executable}, t.Args...), " ")
}

// NewTarget returns the target described either by a positive process ID or by a command line,
// whose first element is the executable. Specifying both or none fails with ErrInvalidTarget.
func NewTarget(pid int, argv []string) (Target, error) {
	switch {
	case pid != 0 && len(argv) > 0:
		return nil, fmt.Errorf("%w: got both pid %d and command %q", ErrInvalidTarget, pid, argv[0])
	case pid > 0:
		return ByProcessID{PID: pid}, nil
	case pid < 0:
		return nil, fmt.Errorf("%w: pid %d is not positive", ErrInvalidTarget, pid)
	case len(argv) > 0 && argv[0] != "":
		return ByLaunchSpec{Executable: argv[0], Args: argv[1:]}, nil
	case len(argv) > 0:
		return nil, fmt.Errorf("%w: empty executable name", ErrInvalidTarget)
	default:
		return nil, ErrInvalidTarget
	}
}

// Injector implements an injection technique. Implementations only hold configuration: any
// resource acquired during Launch or Attach is released before they return.
type Injector interface {
	// Name of the strategy, as registered
	Name() string
	Modes() Mode
	// Launch creates the target process and returns once the probe is confirmed loaded
	// into it, or definitively failed to load.
	Launch(ctx context.Context, target ByLaunchSpec, artifact probe.Artifact) Outcome
	// Attach forces the running target process to load the probe
	Attach(ctx context.Context, target ByProcessID, artifact probe.Artifact) Outcome
}

// Descriptor of an injection strategy compiled into the binary
type Descriptor struct {
	ID string
	// Priority orders the strategies in listings. Lower goes first.
	Priority int
	Modes    Mode
	// Available reports whether the strategy can run on this host. Nil means always available.
	Available func() bool
	New       func(opts *Options) Injector
}
