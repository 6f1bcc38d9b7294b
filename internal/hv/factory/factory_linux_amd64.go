//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
