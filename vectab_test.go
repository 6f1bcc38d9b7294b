package vectab_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/vectab"
)

const aliasBase = 0xfffffe0000000000

func newManager(t *testing.T) (*vectab.Manager, vectab.Memory) {
	t.Helper()
	f := vectab.DefaultFeatures()
	mem := vectab.NewHeapMemory()
	m, err := vectab.New(mem, vectab.NewDetachedCPU(0),
		vectab.SyntheticSymbols(0xffffffff81000000, 0x40, vectab.Symbols(f)),
		vectab.WithFeatures(f),
		vectab.WithReadOnlyAlias(aliasBase),
		vectab.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, mem
}

func TestEndToEnd(t *testing.T) {
	m, mem := newManager(t)

	for _, fn := range []func() error{
		m.InstallEarlyHandlers,
		m.InstallEarlyTraps,
		m.InstallDefaultTraps,
		m.InstallEarlyPageFault,
		m.InstallDedicatedStackTraps,
		m.InstallSystemVectors,
	} {
		if err := fn(); err != nil {
			t.Fatalf("boot stage error = %v", err)
		}
	}

	if err := m.RegisterVector(200, 0xffffffffc0001000); err != nil {
		t.Fatalf("RegisterVector(200) error = %v", err)
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	for v := 0; v < vectab.NumVectors; v++ {
		if !m.Entry(vectab.Vector(v)).Present() {
			t.Errorf("vector %d not present after Finalize()", v)
		}
	}

	err := m.RegisterVector(201, 0xffffffffc0001000)
	if !errors.Is(err, vectab.ErrSetupFinalized) {
		t.Fatalf("RegisterVector(201) error = %v, want %v", err, vectab.ErrSetupFinalized)
	}
	if vectab.RejectionReason(err) != vectab.SetupAlreadyFinalized {
		t.Errorf("RejectionReason() = %s", vectab.RejectionReason(err))
	}

	if p := m.Pointer(); p.Base != aliasBase || p.Base == mem.Base() {
		t.Errorf("table not relocated: %s", p)
	}
}

func TestNewFromProfile(t *testing.T) {
	p := vectab.DefaultProfile()
	m, err := vectab.NewFromProfile(p, vectab.NewHeapMemory(), vectab.NewDetachedCPU(0))
	if err != nil {
		t.Fatalf("NewFromProfile() error = %v", err)
	}
	if m.Features() != p.Features {
		t.Errorf("Features() = %+v, want %+v", m.Features(), p.Features)
	}
}

func TestOptions(t *testing.T) {
	var _ vectab.Option = vectab.WithFeatures(vectab.Features{})
	var _ vectab.Option = vectab.WithKernelCS(0x10)
	var _ vectab.Option = vectab.WithReadOnlyAlias(0x1000)
	var _ vectab.Option = vectab.WithLogger(slog.Default())
}
