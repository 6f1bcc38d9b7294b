package idt

import (
	"bytes"
	"testing"
)

func TestBuildBitExact(t *testing.T) {
	tests := []struct {
		name string
		gate Gate
		want Descriptor
	}{
		{
			name: "interrupt gate on dedicated stack",
			gate: Gate{
				Vector:  TrapDebug,
				Handler: 0xffffffff81a01234,
				Segment: DefaultKernelCS,
				Kind:    GateInterrupt,
				DPL:     Kernel,
				Stack:   DedicatedStack(StackDebug),
			},
			want: Descriptor{
				0x34, 0x12, 0x10, 0x00, 0x03, 0x8e, 0xa0, 0x81,
				0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name: "user trap gate",
			gate: Gate{
				Vector:  TrapOverflow,
				Handler: 0x0000_7f00_dead_beef,
				Segment: 0x33,
				Kind:    GateTrap,
				DPL:     User,
			},
			want: Descriptor{
				0xef, 0xbe, 0x33, 0x00, 0x00, 0xef, 0xad, 0xde,
				0x00, 0x7f, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name: "task gate",
			gate: Gate{
				Vector:  TrapDoubleFault,
				Segment: TaskSelector(DoubleFaultTSSEntry),
				Kind:    GateTask,
				DPL:     Kernel,
			},
			want: Descriptor{
				0x00, 0x00, 0xf8, 0x00, 0x00, 0x85, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Build(tt.gate)
			if !bytes.Equal(got[:], tt.want[:]) {
				t.Fatalf("Build() = % x\nwant      % x", got[:], tt.want[:])
			}
		})
	}
}

func TestDescriptorAccessors(t *testing.T) {
	d := Build(Gate{
		Handler: 0x123456789abcdef0,
		Segment: 0x10,
		Kind:    GateInterrupt,
		DPL:     User,
		Stack:   DedicatedStack(6),
	})
	if got := d.Handler(); got != 0x123456789abcdef0 {
		t.Fatalf("Handler() = %#x", got)
	}
	if got := d.Segment(); got != 0x10 {
		t.Fatalf("Segment() = %#x", got)
	}
	if got := d.Kind(); got != GateInterrupt {
		t.Fatalf("Kind() = %s", got)
	}
	if got := d.DPL(); got != User {
		t.Fatalf("DPL() = %s", got)
	}
	if got := d.StackField(); got != 7 {
		t.Fatalf("StackField() = %d, want 7", got)
	}
	if !d.Present() {
		t.Fatalf("descriptor not present")
	}

	var zero Descriptor
	if zero.Present() {
		t.Fatalf("zero descriptor reported present")
	}
	if zero.String() != "absent" {
		t.Fatalf("zero descriptor String() = %q", zero.String())
	}
}

func TestDefaultStackStoresZero(t *testing.T) {
	d := Build(Gate{Handler: 1, Kind: GateInterrupt})
	if d.StackField() != 0 {
		t.Fatalf("default stack field = %d", d.StackField())
	}
	d = Build(Gate{Handler: 1, Kind: GateInterrupt, Stack: DedicatedStack(0)})
	if d.StackField() != 1 {
		t.Fatalf("slot 0 field = %d, want 1", d.StackField())
	}
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestBuildRejectsMixedTaskGate(t *testing.T) {
	expectPanic(t, "task gate with handler", func() {
		Build(Gate{Kind: GateTask, Handler: 0x1000})
	})
	expectPanic(t, "task gate with stack", func() {
		Build(Gate{Kind: GateTask, Stack: DedicatedStack(0)})
	})
	expectPanic(t, "privilege out of range", func() {
		Build(Gate{Kind: GateInterrupt, DPL: 4})
	})
	expectPanic(t, "stack slot out of range", func() {
		DedicatedStack(NumDedicatedStacks)
	})
}

func TestPointerEncode(t *testing.T) {
	p := Pointer{Base: 0x1122334455667788, Limit: TableSize - 1}
	got := p.Encode()
	want := [PointerSize]byte{0xff, 0x0f, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if got != want {
		t.Fatalf("Encode() = % x, want % x", got, want)
	}
	if p.Size() != TableSize {
		t.Fatalf("Size() = %d", p.Size())
	}
}

func TestVectorString(t *testing.T) {
	if got := TrapPageFault.String(); got != "0x0e(page-fault)" {
		t.Fatalf("String() = %q", got)
	}
	if got := Vector(0xc8).String(); got != "0xc8" {
		t.Fatalf("String() = %q", got)
	}
	if !TrapVMMCommunication.Reserved() || FirstExternalVector.Reserved() {
		t.Fatalf("reserved range is wrong")
	}
}
