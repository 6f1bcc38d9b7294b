package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/vectab/internal/idt"
)

func TestDefault(t *testing.T) {
	p := Default()
	if p.Version != CurrentVersion {
		t.Errorf("Version = %d", p.Version)
	}
	if p.KernelCS != idt.DefaultKernelCS {
		t.Errorf("KernelCS = %#x", p.KernelCS)
	}
	if p.Features != idt.DefaultFeatures() {
		t.Errorf("Features = %+v", p.Features)
	}
	if p.Layout.TableAddress != DefaultTableAddress {
		t.Errorf("Layout.TableAddress = %#x", p.Layout.TableAddress)
	}
	if err := p.validate(); err != nil {
		t.Errorf("default profile invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: 1
name: minimal-up
kernelCS: 0x10
features:
  smp: false
  localAPIC: false
  doubleFaultTaskGate: true
layout:
  tableAddress: 0x10000
  readOnlyAlias: 0xfffb0000
machine:
  cpus: 2
  memoryMB: 4
symbols:
  asm_exc_debug: 0xffffffff81a00100
register:
  - name: virtio-net
    vector: 0xc8
    symbol: virtio_net_irq
  - name: nvme
    first: 0x40
    last: 0x4f
    handler: 0xffffffffc0001000
`
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if p.Name != "minimal-up" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Features.SMP || p.Features.LocalAPIC || !p.Features.DoubleFaultTaskGate {
		t.Errorf("explicit features not applied: %+v", p.Features)
	}
	if !p.Features.MachineCheck {
		t.Errorf("omitted feature lost its default")
	}
	if p.Layout.TableAddress != 0x10000 || p.Layout.ReadOnlyAlias != 0xfffb0000 {
		t.Errorf("Layout = %+v", p.Layout)
	}
	if p.Layout.TextBase != DefaultTextBase {
		t.Errorf("Layout.TextBase = %#x", p.Layout.TextBase)
	}
	if p.Machine.CPUs != 2 || p.Machine.MemoryMB != 4 {
		t.Errorf("Machine = %+v", p.Machine)
	}
	if p.Symbols["asm_exc_debug"] != 0xffffffff81a00100 {
		t.Errorf("Symbols = %v", p.Symbols)
	}
	if len(p.Register) != 2 {
		t.Fatalf("Register length = %d", len(p.Register))
	}
	if r := p.Register[0]; r.Vector == nil || *r.Vector != 0xc8 || r.Symbol != "virtio_net_irq" {
		t.Errorf("Register[0] = %+v", r)
	}
	if r := p.Register[1]; r.Vector != nil || r.First != 0x40 || r.Last != 0x4f {
		t.Errorf("Register[1] = %+v", r)
	}

	opts := p.Options(nil)
	if opts.ReadOnlyAlias != 0xfffb0000 || opts.KernelCS != 0x10 {
		t.Errorf("Options = %+v", opts)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"version", "version: 2\n", "unsupported profile version"},
		{"unaligned table", "layout:\n  tableAddress: 0x9010\n", "not page aligned"},
		{"table beyond memory", "layout:\n  tableAddress: 0x400000\n", "does not fit"},
		{"registration without handler", "register:\n  - vector: 0x40\n", "needs a symbol or a handler"},
		{"vector out of range", "register:\n  - vector: 300\n    handler: 1\n", "out of range"},
		{"per-cpu fixed vector", "register:\n  - vector: 0x40\n    perCPU: true\n    handler: 1\n", "takes a range"},
		{"inverted range", "register:\n  - first: 0x50\n    last: 0x40\n    handler: 1\n", "invalid range"},
		{"malformed", "layout: [\n", "parse profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRegistrationDefaultsToExternalRange(t *testing.T) {
	p, err := Parse([]byte("register:\n  - handler: 0x1000\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := p.Register[0]
	if r.First != int(idt.FirstExternalVector) || r.Last != idt.NumVectors-1 {
		t.Fatalf("range = %#x..%#x", r.First, r.Last)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	v := 0x99
	in := Default()
	in.Name = "round-trip"
	in.Register = []Registration{{Vector: &v, Handler: 0xffffffffc0002000}}

	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Name != in.Name || out.Features != in.Features || *out.Register[0].Vector != v {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
	if out.Register[0].Handler != 0xffffffffc0002000 {
		t.Fatalf("handler = %#x", out.Register[0].Handler)
	}
}

func TestResolverSynthesizes(t *testing.T) {
	p := Default()
	v := 0x40
	p.Register = []Registration{{Vector: &v, Symbol: "my_handler"}}

	res, err := p.Resolver()
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}
	for _, sym := range p.NeededSymbols() {
		if _, err := res.Resolve(sym); err != nil {
			t.Fatalf("synthetic table misses %s", sym)
		}
	}
	addr, err := p.Register[0].HandlerAddress(res)
	if err != nil || addr < DefaultTextBase {
		t.Fatalf("HandlerAddress = %#x, %v", addr, err)
	}
}

func TestResolverReportsMissing(t *testing.T) {
	p := Default()
	p.Symbols = map[string]uint64{"asm_exc_debug": 0x1000}
	if _, err := p.Resolver(); err == nil || !strings.Contains(err.Error(), "unresolved") {
		t.Fatalf("Resolver error = %v", err)
	}
}

func TestResolverSymbolFile(t *testing.T) {
	p := Default()

	var sb strings.Builder
	for i, sym := range p.NeededSymbols() {
		fmt.Fprintf(&sb, "%016x T %s\n", 0xffffffff81000000+uint64(i)*0x10, sym)
	}
	path := filepath.Join(t.TempDir(), "System.map")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write map: %v", err)
	}
	p.SymbolFile = path
	p.Symbols = map[string]uint64{"asm_exc_debug": 0xffffffff8badf00d}

	res, err := p.Resolver()
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}
	if addr, _ := res.Resolve("asm_exc_debug"); addr != 0xffffffff8badf00d {
		t.Fatalf("inline symbol did not override the file: %#x", addr)
	}
	if addr, _ := res.Resolve(idt.SymbolIRQEntriesStart); addr < 0xffffffff81000000 {
		t.Fatalf("irq_entries_start = %#x", addr)
	}
}
