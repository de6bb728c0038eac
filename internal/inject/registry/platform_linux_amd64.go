//go:build linux && amd64

package registry

import (
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/inject/gdb"
	"github.com/grafana/endoscope/internal/inject/jvmattach"
	"github.com/grafana/endoscope/internal/inject/nodeinspector"
	"github.com/grafana/endoscope/internal/inject/preload"
	"github.com/grafana/endoscope/internal/inject/ptrace"
)

// ptrace is preferred for attaching; launching through the environment is cheaper
var platformPolicy = Policy{
	Attach: []string{ptrace.Name, gdb.Name},
	Launch: []string{preload.Name, ptrace.Name, gdb.Name},
}

func platformDescriptors() []inject.Descriptor {
	return []inject.Descriptor{
		ptrace.Descriptor(),
		preload.Descriptor(),
		gdb.Descriptor(),
		jvmattach.Descriptor(),
		nodeinspector.Descriptor(),
	}
}
