//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/phasetrace"
	"golang.org/x/sys/unix"
)

var (
	tsKvmCreateVm            = phasetrace.RegisterKind("kvm_create_vm")
	tsKvmArchVMInit          = phasetrace.RegisterKind("kvm_arch_vm_init")
	tsKvmMmapGuestMemory     = phasetrace.RegisterKind("kvm_mmap_guest_memory")
	tsKvmSetUserMemoryRegion = phasetrace.RegisterKind("kvm_set_user_memory_region")
	tsKvmCreateVCPU          = phasetrace.RegisterKind("kvm_create_vcpu")
	tsKvmArchVCPUInit        = phasetrace.RegisterKind("kvm_arch_vcpu_init")
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// start serves the run queue on a locked OS thread, so every register
// access of this vCPU comes from the same thread.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	rec *phasetrace.Recorder

	hv             *hypervisor
	vmFd           int
	vcpus          map[int]*virtualCPU
	memMu          sync.RWMutex
	memory         []byte
	memoryBase     uint64
	lastMemorySlot uint32

	addressSpace *hv.AddressSpace
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64             { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64             { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor      { return v.hv }
func (v *virtualMachine) CPUCount() int                  { return len(v.vcpus) }
func (v *virtualMachine) AddressSpace() *hv.AddressSpace { return v.addressSpace }

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, vcpu := range vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			keep(fmt.Errorf("kvm: munmap vcpu %d run: %w", vcpu.id, err))
		}
		if err := unix.Close(vcpu.fd); err != nil {
			keep(fmt.Errorf("kvm: close vcpu %d fd: %w", vcpu.id, err))
		}
	}
	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			keep(fmt.Errorf("kvm: close vm fd: %w", err))
		}
	}
	// Guest memory goes last: the VM's slots reference it until the vm fd
	// is released.
	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			keep(fmt.Errorf("kvm: munmap memory: %w", err))
		}
	}

	return firstErr
}

func (v *virtualMachine) hostOffset(gpa uint64, size int) (int, bool) {
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, false
	}
	off := gpa - v.memoryBase
	if off+uint64(size) > uint64(len(v.memory)) {
		return 0, false
	}
	return int(off), true
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	hostOff, ok := v.hostOffset(uint64(off), 0)
	if !ok {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds", off)
	}

	n = copy(p, v.memory[hostOff:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	hostOff, ok := v.hostOffset(uint64(off), 0)
	if !ok {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds", off)
	}

	n = copy(v.memory[hostOff:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

// addMemorySlot maps host memory into the guest at gpa in a new slot.
func (v *virtualMachine) addMemorySlot(gpa uint64, host []byte, flags uint32) error {
	v.lastMemorySlot++
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.lastMemorySlot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}); err != nil {
		v.lastMemorySlot--
		return fmt.Errorf("set user memory region %d: %w", v.lastMemorySlot+1, err)
	}
	v.rec.Record(tsKvmSetUserMemoryRegion, 1)
	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount() < 1 {
		return nil, fmt.Errorf("kvm: at least one vCPU required, got %d", config.CPUCount())
	}

	vm := &virtualMachine{
		hv:    h,
		rec:   phasetrace.NewRecorder(),
		vcpus: make(map[int]*virtualCPU),
		vmFd:  -1,
	}
	release := true
	defer func() {
		if release {
			vm.Close()
		}
	}()

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm.vmFd = vmFd
	vm.rec.Record(tsKvmCreateVm, 0)

	if err := h.archVMInit(vm); err != nil {
		return nil, fmt.Errorf("initialize VM: %w", err)
	}
	vm.rec.Record(tsKvmArchVMInit, 0)

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	vm.memory = mem
	vm.memoryBase = config.MemoryBase()
	vm.rec.Record(tsKvmMmapGuestMemory, 0)

	vm.addressSpace = hv.NewAddressSpace(h.Architecture(), config.MemoryBase(), config.MemorySize())

	// RAM takes slot 0; later slots are numbered from lastMemorySlot.
	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("set user memory region: %w", err)
	}
	vm.rec.Record(tsKvmSetUserMemoryRegion, 1)

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}
		vm.rec.Record(tsKvmCreateVCPU, 0)

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}
		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}
		vm.rec.Record(tsKvmArchVCPUInit, 0)

		go vcpu.start()
	}

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	release = false
	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
