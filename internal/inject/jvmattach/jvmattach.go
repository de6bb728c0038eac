//go:build linux

// Package jvmattach loads the probe as a native JVMTI agent through the HotSpot dynamic
// attach mechanism.
package jvmattach

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"github.com/grafana/jvmtools/jvm"

	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/objfile"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

const Name = "jvmattach"

// AgentSymbol must be exported by the probe so the JVM can start it
const AgentSymbol = "Agent_OnAttach"

func Descriptor() inject.Descriptor {
	return inject.Descriptor{
		ID:       Name,
		Priority: 30,
		Modes:    inject.ModeAttach,
		New: func(_ *inject.Options) inject.Injector {
			return New()
		},
	}
}

// attacher abstracts the jvmtools attacher for testing
type attacher interface {
	Init()
	Attach(pid int, argv []string, ignoreOnJ9 bool) (io.ReadCloser, error)
	Cleanup() error
}

type Injector struct {
	log         *slog.Logger
	newAttacher func(*slog.Logger) attacher
	runtimeOf   func(pid int) string
	symbolOf    func(path, symbol string) (uint64, error)
}

func New() *Injector {
	return &Injector{
		log: slog.With("component", "jvmattach.Injector"),
		newAttacher: func(log *slog.Logger) attacher {
			return jvm.NewJAttacher(log)
		},
		runtimeOf: procs.Runtime,
		symbolOf:  objfile.SymbolOffset,
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
	if _, err := i.symbolOf(artifact.Path, AgentSymbol); err != nil {
		return inject.Failed(Name, target.PID, fmt.Errorf("%w: %w", inject.ErrArtifactUnusable, err))
	}
	info, err := inject.CheckProcess(ctx, target)
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	if rt := i.runtimeOf(target.PID); rt != "jvm" {
		return inject.Failed(Name, target.PID, fmt.Errorf(
			"%w: process %d (%s) does not run a JVM", inject.ErrInjectionMechanismFailed, target.PID, info.Name))
	}
	log := i.log.With("pid", target.PID, "name", info.Name)

	response, err := i.attach(log, target.PID, artifact.Path)
	if err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	log.Debug("JVM response", "response", response)
	if err := parseResponse(response); err != nil {
		return inject.Failed(Name, target.PID, err)
	}
	return inject.Succeeded(Name, target.PID)
}

// attach runs the attacher in a goroutine locked to its OS thread, since it joins the
// namespaces of the target
func (i *Injector) attach(log *slog.Logger, pid int, path string) (string, error) {
	type result struct {
		response string
		err      error
	}
	results := make(chan result, 1)
	go func() {
		runtime.LockOSThread()
		// not unlocking: the thread may still be in the target namespaces and must be discarded
		defer func() {
			if r := recover(); r != nil {
				results <- result{err: fmt.Errorf("%w: %v", inject.ErrInjectionMechanismFailed, r)}
			}
		}()
		a := i.newAttacher(log)
		a.Init()
		defer func() {
			if err := a.Cleanup(); err != nil {
				log.Warn("can't clean up the JVM attach", "error", err)
			}
		}()
		out, err := a.Attach(pid, []string{"load", path, "true"}, false)
		if err != nil {
			results <- result{err: fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, err)}
			return
		}
		if out == nil {
			results <- result{err: fmt.Errorf("%w: the JVM did not answer", inject.ErrInjectionMechanismFailed)}
			return
		}
		defer out.Close()
		response, err := io.ReadAll(out)
		if err != nil && len(response) == 0 {
			results <- result{err: fmt.Errorf("%w: reading the JVM response: %w", inject.ErrInjectionMechanismFailed, err)}
			return
		}
		results <- result{response: string(response)}
	}()
	res := <-results
	return res.response, res.err
}

var errNoResponse = errors.New("empty response")

// parseResponse checks the attach result code in the first line and, when present,
// the return code of the agent initialization
func parseResponse(response string) error {
	scanner := bufio.NewScanner(strings.NewReader(response))
	lines := []string{}
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: %w", inject.ErrInjectionMechanismFailed, errNoResponse)
	}
	code, err := strconv.Atoi(lines[0])
	if err != nil {
		return fmt.Errorf("%w: unexpected JVM response %q", inject.ErrInjectionMechanismFailed, lines[0])
	}
	if code != 0 {
		return fmt.Errorf("%w: JVM attach error %d: %s",
			inject.ErrTargetDidNotLoadProbe, code, strings.Join(lines[1:], " "))
	}
	for _, line := range lines[1:] {
		value, ok := strings.CutPrefix(line, "return code:")
		if !ok {
			// older JVMs only write the agent return code
			value = line
		}
		rc, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		if rc != 0 {
			return fmt.Errorf("%w: agent initialization returned %d", inject.ErrTargetDidNotLoadProbe, rc)
		}
		return nil
	}
	return nil
}
