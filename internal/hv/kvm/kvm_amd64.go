//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vectab/internal/hv"
)

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, x86TSSAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(hv.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// SetIDTR implements hv.VirtualCPU.
func (v *virtualCPU) SetIDTR(base uint64, limit uint16) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	sregs.Idt = kvmDTable{Base: base, Limit: limit}

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	return nil
}

// IDTR implements hv.VirtualCPU.
func (v *virtualCPU) IDTR() (hv.TableRegister, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.TableRegister{}, fmt.Errorf("get sregs: %w", err)
	}
	return hv.TableRegister{Base: sregs.Idt.Base, Limit: sregs.Idt.Limit}, nil
}

// InterruptsEnabled implements hv.VirtualCPU.
func (v *virtualCPU) InterruptsEnabled() (bool, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return false, fmt.Errorf("get regs: %w", err)
	}
	return regs.Rflags&hv.FlagInterruptEnable != 0, nil
}

// SetInterruptsEnabled implements hv.VirtualCPU.
func (v *virtualCPU) SetInterruptsEnabled(enabled bool) error {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	if enabled {
		regs.Rflags |= hv.FlagInterruptEnable
	} else {
		regs.Rflags &^= hv.FlagInterruptEnable
	}

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	return nil
}
