//go:build linux && amd64

package kvm

import (
	"errors"
	"testing"

	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/idt"
)

var _ idt.Memory = (*TableRegion)(nil)

func TestVCPUIDTRRoundTrip(t *testing.T) {
	vm := newTestVM(t, 2)

	for id := 0; id < 2; id++ {
		cpu := hv.OnVCPU(vm, id)
		if err := cpu.SetIDTR(0x9000+uint64(id)*0x1000, 0xfff); err != nil {
			t.Fatalf("SetIDTR on vCPU %d: %v", id, err)
		}
		r, err := cpu.IDTR()
		if err != nil {
			t.Fatalf("IDTR on vCPU %d: %v", id, err)
		}
		if r.Base != 0x9000+uint64(id)*0x1000 || r.Limit != 0xfff {
			t.Fatalf("vCPU %d IDTR = %s", id, r)
		}
	}
}

func TestVCPUInterruptFlag(t *testing.T) {
	vm := newTestVM(t, 1)

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if on, err := vcpu.InterruptsEnabled(); err != nil || on {
			t.Errorf("fresh vCPU interrupt flag = %t, %v", on, err)
		}
		if err := vcpu.SetInterruptsEnabled(true); err != nil {
			return err
		}
		if on, err := vcpu.InterruptsEnabled(); err != nil || !on {
			t.Errorf("interrupt flag after enable = %t, %v", on, err)
		}
		return vcpu.SetInterruptsEnabled(false)
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

type symbolAt uint64

func (s symbolAt) Resolve(string) (uint64, error) { return uint64(s), nil }

func TestManagerOnGuest(t *testing.T) {
	vm := newTestVM(t, 2)

	mem, err := NewTableRegion(vm, 0x9000, idt.TableSize)
	if err != nil {
		t.Fatalf("NewTableRegion: %v", err)
	}
	m, err := idt.New(mem, hv.OnVCPU(vm, 0), idt.Options{
		Features: idt.DefaultFeatures(),
		Resolver: symbolAt(0xffffffff81000000),
	})
	if err != nil {
		t.Fatalf("idt.New: %v", err)
	}
	for _, fn := range []func() error{
		m.InstallEarlyTraps,
		m.InstallDefaultTraps,
		m.InstallDedicatedStackTraps,
		m.InstallSystemVectors,
	} {
		if err := fn(); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(); errors.Is(err, ErrReadonlyMemUnsupported) {
		t.Skip("read-only memory slots unsupported")
	} else if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := m.LoadOn(hv.OnVCPU(vm, 1)); err != nil {
		t.Fatalf("LoadOn: %v", err)
	}
	for id := 0; id < 2; id++ {
		r, err := hv.OnVCPU(vm, id).IDTR()
		if err != nil {
			t.Fatalf("IDTR: %v", err)
		}
		if r.Base != mem.Alias() || r.Limit != idt.TableSize-1 {
			t.Fatalf("vCPU %d IDTR = %s, want alias %#x", id, r, mem.Alias())
		}
	}
}
