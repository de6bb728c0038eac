package inject

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/grafana/endoscope/internal/objfile"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

// CheckArtifact verifies that the artifact is a regular file built for the architecture
// of this process
func CheckArtifact(artifact probe.Artifact) error {
	st, err := os.Stat(artifact.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnusable, err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrArtifactUnusable, artifact.Path)
	}
	arch, err := objfile.Arch(artifact.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnusable, err)
	}
	if arch != runtime.GOARCH {
		return fmt.Errorf("%w: %s is built for %s, this process runs on %s",
			ErrArtifactUnusable, artifact.Path, arch, runtime.GOARCH)
	}
	return nil
}

// CheckProcess verifies that the target process exists
func CheckProcess(ctx context.Context, target ByProcessID) (procs.Info, error) {
	info, err := procs.Lookup(ctx, target.PID)
	if err != nil {
		return procs.Info{}, fmt.Errorf("%w: %w", ErrTargetProcessUnavailable, err)
	}
	return info, nil
}

// Unsupported returns the failed outcome of an injector asked for a mode it does not support
func Unsupported(injector Injector, pid int, requested Mode) Outcome {
	return Failed(injector.Name(), pid, fmt.Errorf("%w: %s of %s, supported: %s",
		ErrUnsupportedMode, requested, injector.Name(), injector.Modes()))
}

// MechanismError wraps an error of an OS primitive. Permission and existence errors
// are reported as ErrTargetProcessUnavailable.
func MechanismError(step string, err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, procs.ErrNotFound) || errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrTargetProcessUnavailable, step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrInjectionMechanismFailed, step, err)
}
