//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vectab/internal/hv"
)

func (v *virtualCPU) SetIDTR(base uint64, limit uint16) error {
	return fmt.Errorf("kvm: SetIDTR not supported on this architecture")
}

func (v *virtualCPU) IDTR() (hv.TableRegister, error) {
	return hv.TableRegister{}, fmt.Errorf("kvm: IDTR not supported on this architecture")
}

func (v *virtualCPU) InterruptsEnabled() (bool, error) {
	return false, fmt.Errorf("kvm: InterruptsEnabled not supported on this architecture")
}

func (v *virtualCPU) SetInterruptsEnabled(enabled bool) error {
	return fmt.Errorf("kvm: SetInterruptsEnabled not supported on this architecture")
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
