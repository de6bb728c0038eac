// Package registry enumerates the injection strategies compiled for the current platform
// and selects one by identifier or by mode.
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/grafana/endoscope/internal/inject"
)

// Policy lists, per mode, the platform preferred strategies in decreasing preference
type Policy struct {
	Attach []string
	Launch []string
}

type Registry struct {
	log    *slog.Logger
	opts   *inject.Options
	policy Policy
	// available descriptors, ordered by priority and ID
	descs []inject.Descriptor
}

// New registry of the given strategies. The availability of each strategy is evaluated once.
func New(opts *inject.Options, policy Policy, descs ...inject.Descriptor) (*Registry, error) {
	log := slog.With("component", "registry.Registry")
	seen := map[string]struct{}{}
	r := &Registry{log: log, opts: opts, policy: policy}
	for _, d := range descs {
		if d.ID == "" || d.New == nil {
			return nil, fmt.Errorf("invalid injector descriptor %+v", d)
		}
		if _, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("duplicate injector %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Available != nil && !d.Available() {
			log.Debug("injector not available on this host", "injector", d.ID)
			continue
		}
		r.descs = append(r.descs, d)
	}
	slices.SortStableFunc(r.descs, func(a, b inject.Descriptor) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), strings.Compare(a.ID, b.ID))
	})
	return r, nil
}

// Platform registry of the strategies built for the current operating system and architecture
func Platform(opts *inject.Options) (*Registry, error) {
	return New(opts, platformPolicy, platformDescriptors()...)
}

// AvailableStrategies returns the identifiers of the strategies that can run in this host
func (r *Registry) AvailableStrategies() []string {
	ids := make([]string, 0, len(r.descs))
	for _, d := range r.descs {
		ids = append(ids, d.ID)
	}
	return ids
}

// Describe returns the available descriptors, in the same order as AvailableStrategies
func (r *Registry) Describe() []inject.Descriptor {
	return slices.Clone(r.descs)
}

func (r *Registry) StrategyFor(id string) (inject.Injector, error) {
	for _, d := range r.descs {
		if d.ID == id {
			return d.New(r.opts), nil
		}
	}
	return nil, fmt.Errorf("%w %q, available: %s", inject.ErrUnknownStrategy, id, r.availableList())
}

func (r *Registry) DefaultForAttach() (inject.Injector, error) {
	return r.defaultFor(inject.ModeAttach, r.policy.Attach)
}

func (r *Registry) DefaultForLaunch() (inject.Injector, error) {
	return r.defaultFor(inject.ModeLaunch, r.policy.Launch)
}

// DefaultID returns the identifier of the default strategy for the mode, or an empty string
func (r *Registry) DefaultID(mode inject.Mode) string {
	prefs := r.policy.Launch
	if mode == inject.ModeAttach {
		prefs = r.policy.Attach
	}
	if d, ok := r.preferred(mode, prefs); ok {
		return d.ID
	}
	return ""
}

func (r *Registry) defaultFor(mode inject.Mode, prefs []string) (inject.Injector, error) {
	d, ok := r.preferred(mode, prefs)
	if !ok {
		return nil, fmt.Errorf("%w for %s on this platform", inject.ErrNoStrategyAvailable, mode)
	}
	return d.New(r.opts), nil
}

func (r *Registry) preferred(mode inject.Mode, prefs []string) (inject.Descriptor, bool) {
	for _, id := range prefs {
		for _, d := range r.descs {
			if d.ID == id && d.Modes.Has(mode) {
				return d, true
			}
		}
	}
	return inject.Descriptor{}, false
}

func (r *Registry) availableList() string {
	if len(r.descs) == 0 {
		return "none"
	}
	return strings.Join(r.AvailableStrategies(), ", ")
}
