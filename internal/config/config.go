// Package config loads boot profiles: the feature set, memory layout,
// symbol sources and dynamic registrations of one table build.
package config

import (
	"fmt"
	"os"

	"github.com/tinyrange/vectab/internal/idt"
	"github.com/tinyrange/vectab/internal/ksyms"
	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1

	// DefaultTableAddress is the guest physical page the table is built in.
	DefaultTableAddress = 0x9000
	// DefaultTextBase is where synthetic entry points start when the
	// profile names no symbols.
	DefaultTextBase = 0xffffffff81000000
	// DefaultSymbolStride separates synthetic entry points.
	DefaultSymbolStride = 0x40

	DefaultCPUs     = 1
	DefaultMemoryMB = 2
)

// Profile describes one table build.
type Profile struct {
	Version  int          `yaml:"version"`
	Name     string       `yaml:"name,omitempty"`
	KernelCS uint16       `yaml:"kernelCS,omitempty"`
	Features idt.Features `yaml:"features"`
	Layout   Layout       `yaml:"layout"`
	Machine  Machine      `yaml:"machine"`

	Symbols    map[string]uint64 `yaml:"symbols,omitempty"`
	SymbolFile string            `yaml:"symbolFile,omitempty"`

	Register []Registration `yaml:"register,omitempty"`
}

type Layout struct {
	TableAddress uint64 `yaml:"tableAddress"`
	// ReadOnlyAlias is where the table is relocated at finalization. Zero
	// lets the backend choose.
	ReadOnlyAlias uint64 `yaml:"readOnlyAlias,omitempty"`
	TextBase      uint64 `yaml:"textBase,omitempty"`
}

type Machine struct {
	CPUs     int    `yaml:"cpus,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
}

// Registration is a vector taken through the dynamic registration path
// before finalization. With Vector set the vector is requested directly;
// otherwise the first free vector in [First, Last] is allocated. A PerCPU
// registration is allocated once by every secondary processor as it comes
// online.
type Registration struct {
	Name    string `yaml:"name,omitempty"`
	Vector  *int   `yaml:"vector,omitempty"`
	First   int    `yaml:"first,omitempty"`
	Last    int    `yaml:"last,omitempty"`
	PerCPU  bool   `yaml:"perCPU,omitempty"`
	Symbol  string `yaml:"symbol,omitempty"`
	Handler uint64 `yaml:"handler,omitempty"`
}

// Default is a stock x86-64 SMP profile with synthetic symbols.
func Default() Profile {
	p := Profile{Features: idt.DefaultFeatures()}
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if p.Version == 0 {
		p.Version = CurrentVersion
	}
	if p.Name == "" {
		p.Name = "default"
	}
	if p.KernelCS == 0 {
		p.KernelCS = idt.DefaultKernelCS
	}
	if p.Layout.TableAddress == 0 {
		p.Layout.TableAddress = DefaultTableAddress
	}
	if p.Layout.TextBase == 0 {
		p.Layout.TextBase = DefaultTextBase
	}
	if p.Machine.CPUs == 0 {
		p.Machine.CPUs = DefaultCPUs
	}
	if p.Machine.MemoryMB == 0 {
		p.Machine.MemoryMB = DefaultMemoryMB
	}
	for i := range p.Register {
		r := &p.Register[i]
		if r.Vector == nil && r.First == 0 && r.Last == 0 {
			r.First, r.Last = int(idt.FirstExternalVector), idt.NumVectors-1
		}
	}
}

func (p Profile) validate() error {
	if p.Version != CurrentVersion {
		return fmt.Errorf("unsupported profile version %d", p.Version)
	}
	if p.Layout.TableAddress%0x1000 != 0 {
		return fmt.Errorf("layout.tableAddress %#x is not page aligned", p.Layout.TableAddress)
	}
	if p.Layout.ReadOnlyAlias%0x1000 != 0 {
		return fmt.Errorf("layout.readOnlyAlias %#x is not page aligned", p.Layout.ReadOnlyAlias)
	}
	if p.Machine.CPUs < 1 {
		return fmt.Errorf("machine.cpus must be at least 1, got %d", p.Machine.CPUs)
	}
	if p.Layout.TableAddress+idt.TableSize > p.Machine.MemoryMB<<20 {
		return fmt.Errorf("table at %#x does not fit in %d MiB of memory", p.Layout.TableAddress, p.Machine.MemoryMB)
	}
	for i, r := range p.Register {
		if r.Symbol == "" && r.Handler == 0 {
			return fmt.Errorf("register[%d]: needs a symbol or a handler", i)
		}
		if r.Vector != nil {
			if r.PerCPU {
				return fmt.Errorf("register[%d]: a per-cpu registration takes a range, not a vector", i)
			}
			if *r.Vector < 0 || *r.Vector >= idt.NumVectors {
				return fmt.Errorf("register[%d]: vector %d out of range", i, *r.Vector)
			}
			continue
		}
		if r.First < 0 || r.Last >= idt.NumVectors || r.First > r.Last {
			return fmt.Errorf("register[%d]: invalid range %d..%d", i, r.First, r.Last)
		}
	}
	return nil
}

// Parse decodes a profile. Fields the document leaves out keep their
// Default values, including every feature flag.
func Parse(data []byte) (Profile, error) {
	p := Default()
	p.Name = ""
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Write encodes p to path.
func Write(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Resolver builds the symbol table for p: the symbol file first, then the
// inline symbols on top. A profile with neither gets synthetic entry points
// for every symbol the boot tables and registrations need.
func (p Profile) Resolver() (ksyms.Table, error) {
	tab := make(ksyms.Table)
	if p.SymbolFile != "" {
		loaded, err := ksyms.LoadFile(p.SymbolFile)
		if err != nil {
			return nil, err
		}
		tab.Merge(loaded)
	}
	tab.Merge(p.Symbols)

	needed := p.NeededSymbols()
	if len(tab) == 0 {
		return ksyms.Layout(p.Layout.TextBase, DefaultSymbolStride, needed), nil
	}
	if missing := tab.Missing(needed); len(missing) > 0 {
		return nil, fmt.Errorf("profile %s: %d symbols unresolved, first %q", p.Name, len(missing), missing[0])
	}
	return tab, nil
}

// NeededSymbols lists the symbols the boot tables and registrations of p
// reference.
func (p Profile) NeededSymbols() []string {
	names := idt.Symbols(p.Features)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, r := range p.Register {
		if r.Symbol != "" && !seen[r.Symbol] {
			seen[r.Symbol] = true
			names = append(names, r.Symbol)
		}
	}
	return names
}

// HandlerAddress returns the entry address for r.
func (r Registration) HandlerAddress(res idt.Resolver) (uint64, error) {
	if r.Symbol == "" {
		return r.Handler, nil
	}
	return res.Resolve(r.Symbol)
}

// Options returns the manager options described by p.
func (p Profile) Options(res idt.Resolver) idt.Options {
	return idt.Options{
		Features:      p.Features,
		KernelCS:      p.KernelCS,
		Resolver:      res,
		ReadOnlyAlias: p.Layout.ReadOnlyAlias,
	}
}
