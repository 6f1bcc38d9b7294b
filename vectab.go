// Package vectab builds and owns an x86-64 interrupt descriptor table: the
// staged boot tables, run-time vector registration, finalization into a
// read-only mapping and loading on every processor.
package vectab

import (
	"log/slog"

	"github.com/tinyrange/vectab/internal/config"
	"github.com/tinyrange/vectab/internal/hostmem"
	"github.com/tinyrange/vectab/internal/hv"
	"github.com/tinyrange/vectab/internal/idt"
	"github.com/tinyrange/vectab/internal/ksyms"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/idt
// -----------------------------------------------------------------------------

// Manager owns one table from creation to finalization.
type Manager = idt.Manager

// Vector is an interrupt vector number.
type Vector = idt.Vector

// Descriptor is one encoded 16-byte gate.
type Descriptor = idt.Descriptor

// Gate is the decoded form of a Descriptor.
type Gate = idt.Gate

// Features selects the optional parts of the boot tables.
type Features = idt.Features

// Memory backs the table.
type Memory = idt.Memory

// Processor consumes the table.
type Processor = idt.Processor

// Resolver maps handler symbols to entry addresses.
type Resolver = idt.Resolver

// Pointer is the value loaded into a processor's table register.
type Pointer = idt.Pointer

// Rejection classifies a refused registration.
type Rejection = idt.Rejection

// SymbolTable is a Resolver backed by a map.
type SymbolTable = ksyms.Table

// Profile describes one table build, as loaded from YAML.
type Profile = config.Profile

const (
	NumVectors          = idt.NumVectors
	FirstExternalVector = idt.FirstExternalVector
	TableSize           = idt.TableSize
)

// Rejection reasons.
const (
	NotRejected           = idt.NotRejected
	ReservedVector        = idt.ReservedVector
	VectorAlreadyOwned    = idt.VectorAlreadyOwned
	SetupAlreadyFinalized = idt.SetupAlreadyFinalized
)

// Common sentinel errors.
var (
	ErrReservedVector = idt.ErrReservedVector
	ErrVectorOwned    = idt.ErrVectorOwned
	ErrSetupFinalized = idt.ErrSetupFinalized
	ErrNoFreeVector   = idt.ErrNoFreeVector
)

// -----------------------------------------------------------------------------
// Manager Options
// -----------------------------------------------------------------------------

// Option configures a Manager.
type Option func(*idt.Options)

// WithFeatures sets the feature set. The default is DefaultFeatures.
func WithFeatures(f Features) Option {
	return func(o *idt.Options) { o.Features = f }
}

// WithKernelCS sets the code selector stored in interrupt and trap gates.
func WithKernelCS(cs uint16) Option {
	return func(o *idt.Options) { o.KernelCS = cs }
}

// WithReadOnlyAlias sets the address the table moves to at finalization.
func WithReadOnlyAlias(addr uint64) Option {
	return func(o *idt.Options) { o.ReadOnlyAlias = addr }
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *idt.Options) { o.Logger = l }
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New creates a Manager over mem that loads the table into cpu and resolves
// handler symbols through res.
func New(mem Memory, cpu Processor, res Resolver, opts ...Option) (*Manager, error) {
	o := idt.Options{Features: idt.DefaultFeatures(), Resolver: res}
	for _, opt := range opts {
		opt(&o)
	}
	return idt.New(mem, cpu, o)
}

// NewFromProfile creates a Manager configured by p, resolving symbols the
// way the profile describes.
func NewFromProfile(p Profile, mem Memory, cpu Processor) (*Manager, error) {
	res, err := p.Resolver()
	if err != nil {
		return nil, err
	}
	return idt.New(mem, cpu, p.Options(res))
}

// DefaultFeatures is a typical x86-64 SMP configuration.
func DefaultFeatures() Features { return idt.DefaultFeatures() }

// Symbols lists every handler symbol the boot tables reference under f.
func Symbols(f Features) []string { return idt.Symbols(f) }

// SyntheticSymbols places every symbol in names stride bytes apart from
// base.
func SyntheticSymbols(base, stride uint64, names []string) SymbolTable {
	return ksyms.Layout(base, stride, names)
}

// LoadSymbols reads an ELF kernel image or a System.map file.
func LoadSymbols(path string) (SymbolTable, error) { return ksyms.LoadFile(path) }

// NewHeapMemory returns table memory on the Go heap.
func NewHeapMemory() Memory { return idt.NewHeapMemory() }

// NewHostMemory returns table memory in a shared host mapping that can be
// aliased read-only and write-protected. Linux only.
func NewHostMemory() (*hostmem.Region, error) { return hostmem.New(idt.TableSize) }

// NewDetachedCPU returns a processor register model with interrupts masked.
func NewDetachedCPU(id int) *hv.DetachedCPU { return hv.NewDetachedCPU(id) }

// DefaultProfile is a stock x86-64 SMP profile with synthetic symbols.
func DefaultProfile() Profile { return config.Default() }

// LoadProfile reads a YAML profile.
func LoadProfile(path string) (Profile, error) { return config.Load(path) }

// RejectionReason classifies an error returned by RegisterVector or
// AllocateVector.
func RejectionReason(err error) Rejection { return idt.RejectionReason(err) }
