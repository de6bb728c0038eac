//go:build linux && !amd64

package registry

import (
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/inject/gdb"
	"github.com/grafana/endoscope/internal/inject/jvmattach"
	"github.com/grafana/endoscope/internal/inject/nodeinspector"
	"github.com/grafana/endoscope/internal/inject/preload"
)

var platformPolicy = Policy{
	Attach: []string{gdb.Name},
	Launch: []string{preload.Name, gdb.Name},
}

func platformDescriptors() []inject.Descriptor {
	return []inject.Descriptor{
		preload.Descriptor(),
		gdb.Descriptor(),
		jvmattach.Descriptor(),
		nodeinspector.Descriptor(),
	}
}
