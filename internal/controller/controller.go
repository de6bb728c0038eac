// Package controller drives a single injection: from the parsed target to the reported outcome.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grafana/endoscope/internal/imetrics"
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
	"github.com/grafana/endoscope/internal/procs"
)

type State int

const (
	ParsingArguments State = iota
	ResolvingArtifact
	SelectingStrategy
	Injecting
	Reporting
	// Usage is the terminal state when the target could not be determined from the arguments
	Usage
)

func (s State) String() string {
	switch s {
	case ParsingArguments:
		return "ParsingArguments"
	case ResolvingArtifact:
		return "ResolvingArtifact"
	case SelectingStrategy:
		return "SelectingStrategy"
	case Injecting:
		return "Injecting"
	case Reporting:
		return "Reporting"
	case Usage:
		return "Usage"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request of an injection, as parsed from the command line
type Request struct {
	PID  int
	Argv []string
	// Injector forces the strategy. The registry default for the mode is used if empty.
	Injector string
}

// Report of a controller run
type Report struct {
	// State is the terminal state: Reporting or Usage
	State State
	// Last is the state that was being processed when the run finished
	Last    State
	Target  inject.Target
	Outcome inject.Outcome
}

// Message returns the one-line diagnostic of a failed run
func (r Report) Message() string {
	return r.Outcome.Message()
}

type Resolver interface {
	Resolve(name string) (probe.Artifact, error)
}

type Strategies interface {
	StrategyFor(id string) (inject.Injector, error)
	DefaultForAttach() (inject.Injector, error)
	DefaultForLaunch() (inject.Injector, error)
}

type Controller struct {
	log       *slog.Logger
	probeName string
	resolver  Resolver
	registry  Strategies
	metrics   imetrics.Reporter
	runtimeOf func(pid int) string
}

func New(probeName string, resolver Resolver, registry Strategies, metrics imetrics.Reporter) *Controller {
	if metrics == nil {
		metrics = imetrics.NoopReporter{}
	}
	return &Controller{
		log:       slog.With("component", "controller.Controller"),
		probeName: probeName,
		resolver:  resolver,
		registry:  registry,
		metrics:   metrics,
		runtimeOf: procs.Runtime,
	}
}

// run holds the state of a single controller execution
type run struct {
	*Controller
	req      Request
	state    State
	target   inject.Target
	artifact probe.Artifact
	injector inject.Injector
	outcome  inject.Outcome
}

// Run the injection described by the request. It never panics and always returns a Report
// whose State is either Reporting or Usage.
func (c *Controller) Run(ctx context.Context, req Request) Report {
	r := &run{Controller: c, req: req, state: ParsingArguments}
	for {
		last := r.state
		r.state = r.step(ctx)
		c.log.Debug("state transition", "from", last, "to", r.state)
		if r.state == Reporting || r.state == Usage {
			return Report{State: r.state, Last: last, Target: r.target, Outcome: r.outcome}
		}
	}
}

func (r *run) step(ctx context.Context) State {
	switch r.state {
	case ParsingArguments:
		return r.parseArguments()
	case ResolvingArtifact:
		return r.resolveArtifact()
	case SelectingStrategy:
		return r.selectStrategy()
	case Injecting:
		return r.inject(ctx)
	default:
		return Reporting
	}
}

func (r *run) parseArguments() State {
	target, err := inject.NewTarget(r.req.PID, r.req.Argv)
	if err != nil {
		r.outcome = inject.Failed("", r.req.PID, err)
		return Usage
	}
	r.target = target
	return ResolvingArtifact
}

func (r *run) resolveArtifact() State {
	artifact, err := r.resolver.Resolve(r.probeName)
	r.metrics.ArtifactResolved(resolutionResult(err))
	if err != nil {
		r.outcome = inject.Failed(r.req.Injector, r.req.PID, err)
		return Reporting
	}
	r.log.Debug("probe resolved", "name", artifact.Name, "path", artifact.Path, "arch", artifact.Arch)
	r.artifact = artifact
	return SelectingStrategy
}

func (r *run) selectStrategy() State {
	var injector inject.Injector
	var err error
	switch {
	case r.req.Injector != "":
		injector, err = r.registry.StrategyFor(r.req.Injector)
	case r.target.Mode() == inject.ModeAttach:
		injector, err = r.registry.DefaultForAttach()
	default:
		injector, err = r.registry.DefaultForLaunch()
	}
	if err != nil {
		r.outcome = inject.Failed("", r.req.PID, fmt.Errorf("strategy selection: %w", err))
		return Reporting
	}
	r.injector = injector
	if pid, ok := r.target.(inject.ByProcessID); ok {
		r.runtimeHint(pid.PID)
	}
	return Injecting
}

// runtimeHint suggests the runtime specific strategy, if the target hosts a managed runtime
func (r *run) runtimeHint(pid int) {
	suggested := map[string]string{"jvm": "jvmattach", "node": "nodeinspector"}[r.runtimeOf(pid)]
	if suggested != "" && suggested != r.injector.Name() {
		r.log.Info("the target process hosts a managed runtime. Consider using its injector",
			"pid", pid, "injector", suggested)
	}
}

func (r *run) inject(ctx context.Context) State {
	name := r.injector.Name()
	log := r.log.With("injector", name, "target", r.target.String())
	r.metrics.InjectionAttempted(name, r.target.Mode().String())
	start := time.Now()
	r.outcome = r.invoke(ctx, log)
	if r.outcome.Strategy == "" {
		r.outcome.Strategy = name
	}
	if !r.outcome.Succeeded && r.outcome.Err == nil {
		r.outcome.Err = inject.ErrInjectionMechanismFailed
	}
	r.metrics.InjectionFinished(name, inject.Cause(r.outcome.Err), time.Since(start))
	if r.outcome.Succeeded {
		log.Info("probe injected", "pid", r.outcome.PID, "probe", r.artifact.Path)
	} else {
		log.Debug("injection failed", "error", r.outcome.Err)
	}
	return Reporting
}

// invoke the injector, recovering from any panic inside it
func (r *run) invoke(ctx context.Context, log *slog.Logger) (out inject.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("injector panicked", "panic", p)
			out = inject.Failed(r.injector.Name(), r.req.PID,
				fmt.Errorf("%w: injector panicked: %v", inject.ErrInjectionMechanismFailed, p))
		}
	}()
	switch t := r.target.(type) {
	case inject.ByProcessID:
		return r.injector.Attach(ctx, t, r.artifact)
	case inject.ByLaunchSpec:
		return r.injector.Launch(ctx, t, r.artifact)
	default:
		return inject.Failed(r.injector.Name(), 0, inject.ErrInvalidTarget)
	}
}

func resolutionResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, probe.ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, probe.ErrArchitectureMismatch):
		return "architecture_mismatch"
	case errors.Is(err, probe.ErrArtifactNotFound):
		return "artifact_not_found"
	default:
		return "other"
	}
}
