package factory

import (
	"fmt"

	"github.com/tinyrange/vectab/internal/hv"
)

// OpenWithArchitecture opens the host hypervisor for a guest of arch. Only
// x86-64 guests have an interrupt descriptor table; an invalid
// architecture means the host default.
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureInvalid, hv.ArchitectureX86_64:
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}

	h, err := Open()
	if err != nil {
		return nil, err
	}
	if got := h.Architecture(); got != hv.ArchitectureX86_64 {
		h.Close()
		return nil, fmt.Errorf("host hypervisor runs %s guests, need %s", got, hv.ArchitectureX86_64)
	}
	return h, nil
}
