//go:build linux

package kvm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vectab/internal/hv"
	"golang.org/x/sys/unix"
)

var ErrReadonlyMemUnsupported = errors.New("kvm: read-only memory slots unsupported")

// TableRegion is a page-aligned piece of guest RAM that holds a descriptor
// table. Its read-only alias is a second memory slot over the same host
// pages, flagged read-only to the guest.
type TableRegion struct {
	vm    *virtualMachine
	gpa   uint64
	host  []byte
	alias uint64
}

// NewTableRegion reserves size bytes of guest RAM at gpa. gpa must be page
// aligned; size is rounded up to whole pages.
func NewTableRegion(vm hv.VirtualMachine, gpa uint64, size int) (*TableRegion, error) {
	v, ok := vm.(*virtualMachine)
	if !ok {
		return nil, fmt.Errorf("kvm: table region needs a KVM virtual machine, got %T", vm)
	}

	pageSize := uint64(unix.Getpagesize())
	if gpa%pageSize != 0 {
		return nil, fmt.Errorf("kvm: table address %#x is not page aligned", gpa)
	}
	if size <= 0 {
		return nil, fmt.Errorf("kvm: invalid table size %d", size)
	}
	length := int((uint64(size) + pageSize - 1) / pageSize * pageSize)

	v.memMu.RLock()
	defer v.memMu.RUnlock()
	off, ok := v.hostOffset(gpa, length)
	if !ok {
		return nil, fmt.Errorf("kvm: table [%#x-%#x) is outside guest RAM", gpa, gpa+uint64(length))
	}
	if uint64(off)%pageSize != 0 {
		return nil, fmt.Errorf("kvm: guest RAM base %#x is not page aligned", v.memoryBase)
	}

	return &TableRegion{vm: v, gpa: gpa, host: v.memory[off : off+length : off+length]}, nil
}

// Bytes implements idt.Memory.
func (r *TableRegion) Bytes() []byte { return r.host }

// Base implements idt.Memory. It is the guest physical address of the
// table; the guest runs with an identity map over its low memory.
func (r *TableRegion) Base() uint64 { return r.gpa }

// MapReadOnlyAlias implements idt.Memory. The alias is placed outside RAM;
// when addr is zero the address space picks one above RAM.
func (r *TableRegion) MapReadOnlyAlias(addr uint64) (uint64, error) {
	if r.alias != 0 {
		return 0, fmt.Errorf("kvm: table already aliased at %#x", r.alias)
	}

	n, err := checkExtension(r.vm.hv.fd, kvmCapReadonlyMem)
	if err != nil {
		return 0, fmt.Errorf("kvm: check read-only memory: %w", err)
	}
	if n == 0 {
		return 0, ErrReadonlyMemUnsupported
	}
	if slots, err := checkExtension(r.vm.hv.fd, kvmCapNrMemslots); err == nil && slots > 0 && int(r.vm.lastMemorySlot)+1 >= slots {
		return 0, fmt.Errorf("kvm: no free memory slot for the table alias (%d in use)", r.vm.lastMemorySlot+1)
	}

	as := r.vm.addressSpace
	size := uint64(len(r.host))
	if addr == 0 {
		region, err := as.Allocate("idt-alias", size, 0)
		if err != nil {
			return 0, fmt.Errorf("kvm: place table alias: %w", err)
		}
		addr = region.Base
	} else if err := as.RegisterFixed("idt-alias", addr, size); err != nil {
		return 0, fmt.Errorf("kvm: place table alias: %w", err)
	}

	if err := r.vm.addMemorySlot(addr, r.host, kvmMemReadonly); err != nil {
		return 0, fmt.Errorf("kvm: map table alias at %#x: %w", addr, err)
	}

	r.alias = addr
	return addr, nil
}

// Alias returns the guest physical address of the alias, or zero.
func (r *TableRegion) Alias() uint64 { return r.alias }

// Protect implements idt.Memory. It removes host write access to the pages
// backing the table; guest writes through the RAM slot then fail too.
func (r *TableRegion) Protect() error {
	if err := unix.Mprotect(r.host, unix.PROT_READ); err != nil {
		return fmt.Errorf("kvm: mprotect table: %w", err)
	}
	return nil
}
