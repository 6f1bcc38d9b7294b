package bringup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/idt"
	"github.com/tinyrange/vectab/internal/ksyms"
)

func newManager(t *testing.T) *idt.Manager {
	t.Helper()
	f := idt.DefaultFeatures()
	m, err := idt.New(idt.NewHeapMemory(), hv.NewDetachedCPU(0), idt.Options{
		Features: f,
		Resolver: ksyms.Layout(0xffffffff81000000, 0x40, idt.Symbols(f)),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
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
	return m
}

func detached(n int) ([]Processor, []*hv.DetachedCPU) {
	var procs []Processor
	var cpus []*hv.DetachedCPU
	for i := 1; i <= n; i++ {
		c := hv.NewDetachedCPU(i)
		procs = append(procs, c)
		cpus = append(cpus, c)
	}
	return procs, cpus
}

func TestRunAssignsDistinctVectors(t *testing.T) {
	m := newManager(t)
	procs, cpus := detached(8)

	got, err := Run(context.Background(), m, procs, Config{
		Requests: []Request{
			{Name: "queue0", Handler: 0xffffffffc0001000, First: 0x30, Last: 0x7f},
			{Name: "queue1", Handler: 0xffffffffc0002000, First: 0x30, Last: 0x7f},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("got %d assignments, want 16", len(got))
	}

	seen := map[idt.Vector]Assignment{}
	for _, a := range got {
		if prev, ok := seen[a.Vector]; ok {
			t.Fatalf("vector %s assigned to %+v and %+v", a.Vector, prev, a)
		}
		seen[a.Vector] = a
		if !m.Owned(a.Vector) {
			t.Fatalf("assigned vector %s not owned", a.Vector)
		}
	}

	for _, c := range cpus {
		r, _ := c.IDTR()
		if r.Base != m.Pointer().Base || r.Limit != m.Pointer().Limit {
			t.Fatalf("cpu %d IDTR = %s", c.ID(), r)
		}
	}
}

func TestRunExhaustsRange(t *testing.T) {
	m := newManager(t)
	procs, _ := detached(4)

	_, err := Run(context.Background(), m, procs, Config{
		Parallel: 2,
		Requests: []Request{{Name: "narrow", Handler: 1, First: 0x30, Last: 0x32}},
	})
	if !errors.Is(err, idt.ErrNoFreeVector) {
		t.Fatalf("Run = %v, want %v", err, idt.ErrNoFreeVector)
	}
}

func TestRunAfterFinalize(t *testing.T) {
	m := newManager(t)
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	procs, _ := detached(2)
	if _, err := Run(context.Background(), m, procs, Config{}); !errors.Is(err, idt.ErrSetupFinalized) {
		t.Fatalf("Run after finalize = %v", err)
	}

	if err := LoadAll(context.Background(), m, procs); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	m := newManager(t)
	procs, cpus := detached(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, m, procs, Config{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want %v", err, context.Canceled)
	}
	for _, c := range cpus {
		if c.Loads() != 0 {
			t.Fatalf("cpu %d loaded a table after cancellation", c.ID())
		}
	}
}
