//go:build linux

// Package gdb injects the probe by driving an external gdb in batch mode.
package gdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladimirvivien/gexe"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
)

const Name = "gdb"

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 20,
		Modes:    inject.ModeAttach | inject.ModeLaunch,
		New: func(opts *inject.Options) inject.Injector {
			return New(&opts.GDB)
		},
	}
}

type Injector struct {
	log *slog.Logger
	cfg *inject.GDBConfig
}

func New(cfg *inject.GDBConfig) *Injector {
	return &Injector{
		log: slog.With("component", "gdb.Injector"),
		cfg: cfg,
	}
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
	if _, err := inject.CheckProcess(ctx, target); err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	out, err := i.run(ctx, attachScript(artifact), "-p "+strconv.Itoa(target.PID))
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	res := parseOutput(out)
	if err := res.err(); err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	return inject.Succeeded(Name, target.PID)
}

func (i *Injector) Launch(ctx context.Context, target inject.ByLaunchSpec, artifact probe.Artifact) inject.Outcome {
	if err := inject.CheckArtifact(artifact); err != nil {
		return inject.Failed(Name, 0, err)
	}
	out, err := i.run(ctx, launchScript(target, artifact, os.Getpid()), "")
	if err != nil {
		return inject.Failed(Name, 0, err)
	}
	res := parseOutput(out)
	if err := res.err(); err != nil {
		return inject.Failed(Name, res.pid, err)
	}
	return inject.Succeeded(Name, res.pid)
}

func (i *Injector) gdbPath() (string, error) {
	if i.cfg.Path != "" {
		if _, err := os.Stat(i.cfg.Path); err != nil {
			return "", fmt.Errorf("%w: gdb: %w", inject.ErrInjectionMechanismFailed, err)
		}
		return i.cfg.Path, nil
	}
	path := gexe.ProgAvail("gdb")
	if path == "" {
		return "", fmt.Errorf("%w: gdb not found in PATH", inject.ErrInjectionMechanismFailed)
	}
	return path, nil
}

// run gdb with the given script and returns its combined output
func (i *Injector) run(ctx context.Context, script, extraArgs string) (string, error) {
	gdb, err := i.gdbPath()
	if err != nil {
		return "", err
	}
	file, err := os.CreateTemp("", "endoscope-gdb-*.gdb")
	if err != nil {
		return "", fmt.Errorf("%w: creating gdb script: %w", inject.ErrInjectionMechanismFailed, err)
	}
	defer os.Remove(file.Name())
	_, err = file.WriteString(script)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("%w: writing gdb script: %w", inject.ErrInjectionMechanismFailed, err)
	}

	// gexe expands $ variables: the command line must not contain any
	cmdLine := strings.TrimSpace(fmt.Sprintf("%s -n -q -batch -x %s %s", gdb, file.Name(), extraArgs))
	i.log.Debug("running gdb", "command", cmdLine)
	proc := gexe.StartProc(cmdLine)
	if err := proc.Err(); err != nil {
		return "", fmt.Errorf("%w: starting gdb: %w", inject.ErrInjectionMechanismFailed, err)
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	timeout := time.NewTimer(i.cfg.Timeout)
	defer timeout.Stop()
	select {
	case <-done:
	case <-timeout.C:
		proc.Kill()
		<-done
		return "", fmt.Errorf("%w: gdb did not finish after %s", inject.ErrInjectionMechanismFailed, i.cfg.Timeout)
	case <-ctx.Done():
		proc.Kill()
		<-done
		return "", fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, ctx.Err())
	}
	out := proc.Result()
	i.log.Debug("gdb finished", "exitCode", proc.ExitCode(), "output", out)
	return out, nil
}
