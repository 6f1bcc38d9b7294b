package idt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory backs the table. Bytes is the only writable view; the processor
// addresses it at Base until the table is relocated.
type Memory interface {
	Bytes() []byte
	Base() uint64

	// MapReadOnlyAlias maps the same backing read-only at addr (0 lets the
	// implementation choose) and returns the address actually used.
	MapReadOnlyAlias(addr uint64) (uint64, error)

	// Protect makes the view returned by Bytes non-writable.
	Protect() error
}

// PointerSize is the size of the encoded pseudo-descriptor.
const PointerSize = 10

// Pointer is the value loaded into the processor's table register.
type Pointer struct {
	Base  uint64
	Limit uint16
}

// Size is the number of bytes covered by the pointer.
func (p Pointer) Size() int { return int(p.Limit) + 1 }

// Encode returns the 10 byte pseudo-descriptor: a 16-bit limit followed by
// the 64-bit base.
func (p Pointer) Encode() [PointerSize]byte {
	var out [PointerSize]byte
	binary.LittleEndian.PutUint16(out[:2], p.Limit)
	binary.LittleEndian.PutUint64(out[2:], p.Base)
	return out
}

func (p Pointer) String() string {
	return fmt.Sprintf("base=%#x limit=%#x", p.Base, p.Limit)
}

// table is the live array of descriptors.
type table struct {
	mem Memory
	buf []byte
	// frozen is set once the backing memory is write-protected.
	frozen atomic.Bool
}

func newTable(mem Memory) (*table, error) {
	buf := mem.Bytes()
	if len(buf) < TableSize {
		return nil, fmt.Errorf("idt: table memory is %d bytes, need %d", len(buf), TableSize)
	}
	buf = buf[:TableSize:TableSize]
	if mem.Base()%8 != 0 {
		return nil, fmt.Errorf("idt: table base %#x is not 8-byte aligned", mem.Base())
	}
	// A fresh table has no present entries.
	clear(buf)
	return &table{mem: mem, buf: buf}, nil
}

func (t *table) slot(v Vector) []byte {
	off := int(v) * DescriptorSize
	return t.buf[off : off+DescriptorSize]
}

// write stores d at v, replacing whatever was there.
func (t *table) write(v Vector, d Descriptor) {
	if t.isFrozen() {
		panic(fmt.Sprintf("idt: write to vector %s after the table was frozen", v))
	}
	copy(t.slot(v), d[:])
}

func (t *table) isFrozen() bool { return t.frozen.Load() }

func (t *table) read(v Vector) Descriptor {
	var d Descriptor
	copy(d[:], t.slot(v))
	return d
}

func (t *table) pointer() Pointer {
	return Pointer{Base: t.mem.Base(), Limit: TableSize - 1}
}

// HeapMemory is a Memory on the Go heap. It cannot be made read-only at the
// hardware level: Protect only records the request, and the alias address is
// the heap address itself unless one is given.
type HeapMemory struct {
	buf       []uint64
	alias     uint64
	protected bool
}

func NewHeapMemory() *HeapMemory {
	// uint64 elements keep the table 8-byte aligned.
	return &HeapMemory{buf: make([]uint64, TableSize/8)}
}

func (m *HeapMemory) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&m.buf[0])), TableSize)
}

func (m *HeapMemory) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.buf[0])))
}

func (m *HeapMemory) MapReadOnlyAlias(addr uint64) (uint64, error) {
	if m.alias != 0 {
		return 0, errors.New("idt: heap memory already aliased")
	}
	if addr == 0 {
		addr = m.Base()
	}
	m.alias = addr
	return addr, nil
}

func (m *HeapMemory) Protect() error {
	m.protected = true
	return nil
}

// Protected reports whether Protect was called.
func (m *HeapMemory) Protected() bool { return m.protected }
