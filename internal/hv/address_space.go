package hv

import (
	"fmt"
	"sync"
)

// AddressSpace tracks the guest physical layout of a VM: its RAM and the
// fixed regions mapped outside it. Regions above RAM can also be allocated.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// nextFree is the next available address for allocation (above RAM)
	nextFree uint64

	// allocations holds all dynamically allocated regions
	allocations []Region

	// fixedRegions holds regions placed at a caller-chosen address
	fixedRegions []Region
}

// Region is a named guest physical range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) overlaps(base, size uint64) bool {
	return base < r.End() && base+size > r.Base
}

// NewAddressSpace creates a new physical address allocator for a VM.
// Allocations will start above ramBase+ramSize.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	a := &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
	}
	// Start allocation above RAM, aligned to 4KB
	a.nextFree = alignUp(ramBase+ramSize, 0x1000)
	return a
}

// Allocate places a region of size bytes above RAM and every earlier
// allocation, aligned to alignment (4KB when zero).
func (a *AddressSpace) Allocate(name string, size, alignment uint64) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Region{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", name)
	}
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, name)
	}

	base := alignUp(a.nextFree, alignment)
	size = alignUp(size, alignment)
	// Skip over fixed regions registered above RAM.
	for {
		moved := false
		for _, r := range a.fixedRegions {
			if r.overlaps(base, size) {
				base = alignUp(r.End(), alignment)
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	alloc := Region{Name: name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextFree = base + size

	return alloc, nil
}

// RegisterFixed registers a region at a pre-determined address.
// Returns error if the region overlaps RAM or another region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if base+size < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x wraps the address space", name, base)
	}

	ram := Region{Name: "ram", Base: a.ramBase, Size: a.ramSize}
	if ram.overlaps(base, size) {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, base+size, ram.Base, ram.End())
	}
	for _, regions := range [][]Region{a.fixedRegions, a.allocations} {
		for _, r := range regions {
			if r.overlaps(base, size) {
				return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
					name, base, base+size, r.Name, r.Base, r.End())
			}
		}
	}

	a.fixedRegions = append(a.fixedRegions, Region{Name: name, Base: base, Size: size})
	return nil
}

// Allocations returns a copy of all dynamically allocated regions.
func (a *AddressSpace) Allocations() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed regions.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Contains reports whether [base, base+size) lies entirely in RAM.
func (a *AddressSpace) Contains(base, size uint64) bool {
	return base >= a.ramBase && base+size >= base && base+size <= a.RAMEnd()
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
