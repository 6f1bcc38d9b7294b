package idt

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the size in bytes of one 64-bit gate descriptor.
const DescriptorSize = 16

// TableSize is the size in bytes of a full table.
const TableSize = NumVectors * DescriptorSize

// NumDedicatedStacks is the number of interrupt stack table slots in the TSS.
const NumDedicatedStacks = 7

// GateKind is the 5-bit type field of a gate descriptor.
type GateKind uint8

const (
	GateTask      GateKind = 0x5
	GateInterrupt GateKind = 0xe
	GateTrap      GateKind = 0xf
)

func (k GateKind) String() string {
	switch k {
	case GateTask:
		return "task"
	case GateInterrupt:
		return "intr"
	case GateTrap:
		return "trap"
	default:
		return fmt.Sprintf("GateKind(%#x)", uint8(k))
	}
}

// Privilege is the descriptor privilege level: the least privileged ring
// allowed to raise the vector with a software interrupt.
type Privilege uint8

const (
	Kernel Privilege = 0
	User   Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return fmt.Sprintf("dpl%d", uint8(p))
	}
}

// Stack selects the stack a vector is delivered on.
type Stack struct {
	index     uint8
	dedicated bool
}

// DefaultStack delivers on the current (or ring 0) stack.
var DefaultStack = Stack{}

// DedicatedStack selects TSS interrupt stack table slot index, counted from 0.
func DedicatedStack(index int) Stack {
	if index < 0 || index >= NumDedicatedStacks {
		panic(fmt.Sprintf("idt: dedicated stack index %d out of range", index))
	}
	return Stack{index: uint8(index), dedicated: true}
}

// field is the value stored in the descriptor: 0 for the default stack,
// otherwise the slot index plus one.
func (s Stack) field() uint8 {
	if !s.dedicated {
		return 0
	}
	return s.index + 1
}

func (s Stack) String() string {
	if !s.dedicated {
		return "default"
	}
	return fmt.Sprintf("ist%d", s.index)
}

// Gate describes one table entry before encoding.
type Gate struct {
	Vector  Vector
	Handler uint64
	// Segment is the code segment selector for interrupt and trap gates,
	// and the TSS selector for task gates.
	Segment uint16
	Kind    GateKind
	DPL     Privilege
	Stack   Stack
}

// TaskSelector returns the selector for GDT entry n.
func TaskSelector(n int) uint16 {
	return uint16(n << 3)
}

// Descriptor is the hardware representation of a gate.
type Descriptor [DescriptorSize]byte

const (
	presentBit   = 1 << 15
	dplShift     = 13
	typeShift    = 8
	istMask      = 0x7
	typeMask     = 0x1f
	dplFieldMask = 0x3
)

// Build encodes g. It never fails for in-range input; task gates with a
// handler address or a dedicated stack are rejected by panicking.
func Build(g Gate) Descriptor {
	if g.Kind == GateTask && (g.Handler != 0 || g.Stack.dedicated) {
		panic(fmt.Sprintf("idt: task gate for vector %s carries a handler or stack", g.Vector))
	}
	if g.DPL > User {
		panic(fmt.Sprintf("idt: privilege %d out of range", g.DPL))
	}

	bits := uint16(g.Stack.field())&istMask |
		uint16(g.Kind&typeMask)<<typeShift |
		uint16(g.DPL&dplFieldMask)<<dplShift |
		presentBit

	var d Descriptor
	bo := binary.LittleEndian
	bo.PutUint16(d[0:2], uint16(g.Handler))
	bo.PutUint16(d[2:4], g.Segment)
	bo.PutUint16(d[4:6], bits)
	bo.PutUint16(d[6:8], uint16(g.Handler>>16))
	bo.PutUint32(d[8:12], uint32(g.Handler>>32))
	bo.PutUint32(d[12:16], 0)
	return d
}

func (d Descriptor) bits() uint16 {
	return binary.LittleEndian.Uint16(d[4:6])
}

// Handler returns the entry point address.
func (d Descriptor) Handler() uint64 {
	bo := binary.LittleEndian
	return uint64(bo.Uint16(d[0:2])) |
		uint64(bo.Uint16(d[6:8]))<<16 |
		uint64(bo.Uint32(d[8:12]))<<32
}

func (d Descriptor) Segment() uint16 { return binary.LittleEndian.Uint16(d[2:4]) }
func (d Descriptor) Kind() GateKind  { return GateKind(d.bits() >> typeShift & typeMask) }
func (d Descriptor) DPL() Privilege  { return Privilege(d.bits() >> dplShift & dplFieldMask) }
func (d Descriptor) Present() bool   { return d.bits()&presentBit != 0 }

// StackField returns the raw stack field: 0 for the default stack, slot+1
// otherwise.
func (d Descriptor) StackField() uint8 { return uint8(d.bits() & istMask) }

func (d Descriptor) String() string {
	if !d.Present() {
		return "absent"
	}
	stack := "default"
	if f := d.StackField(); f != 0 {
		stack = fmt.Sprintf("ist%d", f-1)
	}
	if d.Kind() == GateTask {
		return fmt.Sprintf("%s sel=%#04x dpl=%s", d.Kind(), d.Segment(), d.DPL())
	}
	return fmt.Sprintf("%s %#016x sel=%#04x dpl=%s stack=%s", d.Kind(), d.Handler(), d.Segment(), d.DPL(), stack)
}
