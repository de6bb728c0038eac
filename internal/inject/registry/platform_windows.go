//go:build windows

package registry

import (
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/inject/windll"
)

var platformPolicy = Policy{
	Launch: []string{windll.Name},
}

func platformDescriptors() []inject.Descriptor {
	return []inject.Descriptor{windll.Descriptor()}
}
