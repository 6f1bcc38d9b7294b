//go:build !linux

package kvm

import (
	"github.com/tinyrange/vectab/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}

// TableRegion is only available on Linux.
type TableRegion struct{}

func NewTableRegion(vm hv.VirtualMachine, gpa uint64, size int) (*TableRegion, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func (r *TableRegion) Bytes() []byte                                { return nil }
func (r *TableRegion) Base() uint64                                 { return 0 }
func (r *TableRegion) MapReadOnlyAlias(addr uint64) (uint64, error) { return 0, hv.ErrHypervisorUnsupported }
func (r *TableRegion) Alias() uint64                                { return 0 }
func (r *TableRegion) Protect() error                               { return hv.ErrHypervisorUnsupported }
