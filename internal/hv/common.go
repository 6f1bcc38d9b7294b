package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// TableRegister is the value of a descriptor table register (IDTR, GDTR).
type TableRegister struct {
	Base  uint64
	Limit uint16
}

func (r TableRegister) String() string {
	return fmt.Sprintf("base=%#x limit=%#x", r.Base, r.Limit)
}

// RFLAGS.IF.
const FlagInterruptEnable = 1 << 9

// VirtualCPU is the register state of one processor. Implementations may
// require the calls to come from the processor's own thread; use
// VirtualMachine.VirtualCPUCall.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetIDTR(base uint64, limit uint16) error
	IDTR() (TableRegister, error)

	InterruptsEnabled() (bool, error)
	SetInterruptsEnabled(enabled bool) error
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64
	CPUCount() int

	AddressSpace() *AddressSpace

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
}

type SimpleVMConfig struct {
	NumCPUs int
	MemSize uint64
	MemBase uint64
}

func (c SimpleVMConfig) CPUCount() int      { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64 { return c.MemBase }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
