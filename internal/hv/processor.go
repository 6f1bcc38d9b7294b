package hv

import (
	"fmt"
	"sync"
)

// Processor is the part of a processor the table code drives.
type Processor interface {
	ID() int
	SetIDTR(base uint64, limit uint16) error
	IDTR() (TableRegister, error)
	InterruptsEnabled() (bool, error)
}

var (
	_ Processor = &DetachedCPU{}
	_ Processor = vcpuProcessor{}
)

// DetachedCPU is a register model of a processor with no hypervisor behind
// it. It starts with interrupts masked and an empty IDTR.
type DetachedCPU struct {
	mu     sync.Mutex
	id     int
	idtr   TableRegister
	rflags uint64
	loads  int
}

func NewDetachedCPU(id int) *DetachedCPU {
	return &DetachedCPU{id: id, rflags: 0x2}
}

func (c *DetachedCPU) ID() int { return c.id }

func (c *DetachedCPU) SetIDTR(base uint64, limit uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idtr = TableRegister{Base: base, Limit: limit}
	c.loads++
	return nil
}

func (c *DetachedCPU) IDTR() (TableRegister, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idtr, nil
}

func (c *DetachedCPU) InterruptsEnabled() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rflags&FlagInterruptEnable != 0, nil
}

func (c *DetachedCPU) SetInterruptsEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.rflags |= FlagInterruptEnable
	} else {
		c.rflags &^= FlagInterruptEnable
	}
	return nil
}

// Loads is the number of IDTR writes so far.
func (c *DetachedCPU) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// vcpuProcessor runs every register access on the vCPU's own thread.
type vcpuProcessor struct {
	vm VirtualMachine
	id int
}

// OnVCPU returns the vCPU id of vm as a Processor usable from any goroutine.
func OnVCPU(vm VirtualMachine, id int) Processor {
	return vcpuProcessor{vm: vm, id: id}
}

func (p vcpuProcessor) ID() int { return p.id }

func (p vcpuProcessor) SetIDTR(base uint64, limit uint16) error {
	return p.vm.VirtualCPUCall(p.id, func(vcpu VirtualCPU) error {
		return vcpu.SetIDTR(base, limit)
	})
}

func (p vcpuProcessor) IDTR() (TableRegister, error) {
	var r TableRegister
	err := p.vm.VirtualCPUCall(p.id, func(vcpu VirtualCPU) error {
		var err error
		r, err = vcpu.IDTR()
		return err
	})
	if err != nil {
		return TableRegister{}, fmt.Errorf("read IDTR of vCPU %d: %w", p.id, err)
	}
	return r, nil
}

func (p vcpuProcessor) InterruptsEnabled() (bool, error) {
	var enabled bool
	err := p.vm.VirtualCPUCall(p.id, func(vcpu VirtualCPU) error {
		var err error
		enabled, err = vcpu.InterruptsEnabled()
		return err
	})
	return enabled, err
}
