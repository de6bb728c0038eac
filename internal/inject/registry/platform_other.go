//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !windows

package registry

import "github.com/grafana/endoscope/internal/inject"

var platformPolicy = Policy{}

func platformDescriptors() []inject.Descriptor {
	return nil
}
