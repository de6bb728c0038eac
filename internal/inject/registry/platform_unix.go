//go:build darwin || freebsd || netbsd || openbsd

package registry

import (
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/inject/preload"
)

var platformPolicy = Policy{
	Launch: []string{preload.Name},
}

func platformDescriptors() []inject.Descriptor {
	return []inject.Descriptor{preload.Descriptor()}
}
