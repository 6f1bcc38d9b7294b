//go:build linux

package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a page-rounded memfd mapping. Bytes is the writable view; a
// second, read-only mapping of the same file is created by
// MapReadOnlyAlias.
type Region struct {
	fd        int
	mem       []byte
	size      int
	alias     unsafe.Pointer
	aliasLen  uintptr
	protected bool
}

// New allocates a region of at least size bytes.
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: invalid size %d", size)
	}
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	fd, err := unix.MemfdCreate("vectab-table", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hostmem: memfd_create: %w", err)
	}
	release := true
	defer func() {
		if release {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.Ftruncate(fd, int64(allocSize)); err != nil {
		return nil, fmt.Errorf("hostmem: size memfd: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap region: %w", err)
	}

	release = false
	return &Region{fd: fd, mem: mem, size: allocSize}, nil
}

func (r *Region) Bytes() []byte { return r.mem }

func (r *Region) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.mem[0])))
}

// MapReadOnlyAlias maps the region read-only a second time. A non-zero
// addr must be page aligned and free: existing mappings are never replaced.
func (r *Region) MapReadOnlyAlias(addr uint64) (uint64, error) {
	if r.mem == nil {
		return 0, ErrClosed
	}
	if r.alias != nil {
		return 0, ErrAliased
	}

	flags := unix.MAP_SHARED
	if addr != 0 {
		if addr%uint64(unix.Getpagesize()) != 0 {
			return 0, fmt.Errorf("hostmem: alias address %#x is not page aligned", addr)
		}
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, err := unix.MmapPtr(r.fd, 0, unsafe.Pointer(uintptr(addr)), uintptr(r.size), unix.PROT_READ, flags)
	if err != nil {
		return 0, fmt.Errorf("hostmem: map alias at %#x: %w", addr, err)
	}
	// Kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint.
	if addr != 0 && uint64(uintptr(ptr)) != addr {
		_ = unix.MunmapPtr(ptr, uintptr(r.size))
		return 0, fmt.Errorf("hostmem: alias address %#x is in use", addr)
	}

	r.alias = ptr
	r.aliasLen = uintptr(r.size)
	return uint64(uintptr(ptr)), nil
}

// Alias returns the read-only view, or nil before MapReadOnlyAlias.
func (r *Region) Alias() []byte {
	if r.alias == nil {
		return nil
	}
	return unsafe.Slice((*byte)(r.alias), r.aliasLen)
}

// Protect removes write access from the view returned by Bytes. Writes
// through it fault afterwards.
func (r *Region) Protect() error {
	if r.mem == nil {
		return ErrClosed
	}
	if err := unix.Mprotect(r.mem, unix.PROT_READ); err != nil {
		return fmt.Errorf("hostmem: mprotect region: %w", err)
	}
	r.protected = true
	return nil
}

func (r *Region) Protected() bool { return r.protected }

func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	var firstErr error
	if r.alias != nil {
		if err := unix.MunmapPtr(r.alias, r.aliasLen); err != nil {
			firstErr = fmt.Errorf("hostmem: unmap alias: %w", err)
		}
		r.alias = nil
	}
	if err := unix.Munmap(r.mem); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("hostmem: unmap region: %w", err)
	}
	r.mem = nil
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("hostmem: close memfd: %w", err)
	}
	return firstErr
}
