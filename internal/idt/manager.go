package idt

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vectab/internal/phasetrace"
)

// DefaultKernelCS is the 64-bit kernel code selector (GDT entry 2).
const DefaultKernelCS uint16 = 2 << 3

var (
	tsEarlyHandlers  = phasetrace.RegisterKind("idt_early_handlers")
	tsEarlyTraps     = phasetrace.RegisterKind("idt_early_traps")
	tsDefaultTraps   = phasetrace.RegisterKind("idt_default_traps")
	tsEarlyPageFault = phasetrace.RegisterKind("idt_early_page_fault")
	tsDedicatedStack = phasetrace.RegisterKind("idt_dedicated_stack_traps")
	tsSystemVectors  = phasetrace.RegisterKind("idt_system_vectors")
	tsExternalFill   = phasetrace.RegisterKind("idt_external_fill")
	tsReload         = phasetrace.RegisterKind("idt_reload")
	tsRelocate       = phasetrace.RegisterKind("idt_relocate")
)

// Options configures a Manager.
type Options struct {
	Features Features
	// KernelCS is the code selector stored in every interrupt and trap gate.
	// Zero means DefaultKernelCS.
	KernelCS uint16
	Resolver Resolver
	// ReadOnlyAlias is the address the table is relocated to at
	// finalization. Zero lets the Memory choose.
	ReadOnlyAlias uint64
	Logger        *slog.Logger
}

// stage is a step of the boot sequence. Stages run in increasing order.
type stage int

const (
	stageNone stage = iota
	stageEarlyHandlers
	stageEarlyTraps
	stageDefaultTraps
	stageEarlyPageFault
	stageDedicatedStack
	stageSystemVectors
	stageFinalized
)

var stageNames = [...]string{
	stageNone:           "none",
	stageEarlyHandlers:  "early handlers",
	stageEarlyTraps:     "early traps",
	stageDefaultTraps:   "default traps",
	stageEarlyPageFault: "early page fault",
	stageDedicatedStack: "dedicated stack traps",
	stageSystemVectors:  "system vectors",
	stageFinalized:      "finalize",
}

func (s stage) String() string { return stageNames[s] }

// optional stages may be skipped.
func (s stage) optional() bool {
	return s == stageEarlyHandlers || s == stageEarlyPageFault
}

// Manager owns one interrupt descriptor table from creation to
// finalization: the table memory, the ownership registry, the boot stage
// and the setup latch.
type Manager struct {
	opts Options
	log  *slog.Logger
	rec  *phasetrace.Recorder

	cpu   Processor
	table *table
	reg   Registry
	// fixed marks vectors owned by boot phases, as opposed to vectors
	// owned through RegisterVector.
	fixed [NumVectors]bool

	stage stage
	ptr   Pointer
	// alias is the read-only mapping, kept across a failed Finalize so a
	// retry does not map it twice.
	alias     uint64
	aliased   bool
	relocated bool
	done      atomic.Bool
}

// New creates a Manager over mem, loading the table into cpu. The table
// starts empty.
func New(mem Memory, cpu Processor, opts Options) (*Manager, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("idt: no symbol resolver")
	}
	if opts.KernelCS == 0 {
		opts.KernelCS = DefaultKernelCS
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t, err := newTable(mem)
	if err != nil {
		return nil, err
	}

	return &Manager{
		opts:  opts,
		log:   opts.Logger,
		rec:   phasetrace.NewRecorder(),
		cpu:   cpu,
		table: t,
		ptr:   t.pointer(),
	}, nil
}

// checkStage panics unless s may run next. Running a stage twice, out of
// order, skipping a required stage or after finalization is a bug in the
// boot sequence.
func (m *Manager) checkStage(s stage) {
	if m.done.Load() {
		panic(fmt.Sprintf("idt: %s after setup was finalized", s))
	}
	if s <= m.stage {
		panic(fmt.Sprintf("idt: %s after %s", s, m.stage))
	}
	for skipped := m.stage + 1; skipped < s; skipped++ {
		if !skipped.optional() {
			panic(fmt.Sprintf("idt: %s before %s", s, skipped))
		}
	}
}

// advance moves the boot sequence to s.
func (m *Manager) advance(s stage) {
	m.checkStage(s)
	m.stage = s
}

// gate resolves e into a Gate.
func (m *Manager) gate(e Entry) (Gate, error) {
	g := Gate{
		Vector:  e.Vector,
		Segment: m.opts.KernelCS,
		Kind:    e.Kind,
		DPL:     e.DPL,
		Stack:   e.Stack,
	}
	if e.Kind == GateTask {
		g.Segment = TaskSelector(e.TSSEntry)
		return g, nil
	}
	addr, err := m.opts.Resolver.Resolve(e.Symbol)
	if err != nil {
		return Gate{}, fmt.Errorf("idt: resolve handler for vector %s: %w", e.Vector, err)
	}
	g.Handler = addr
	return g, nil
}

// claimFixed marks v as owned by the boot tables. Boot phases may mark the
// same vector again; a vector owned through RegisterVector may not be
// taken over.
func (m *Manager) claimFixed(v Vector) {
	if m.reg.IsClaimed(v) && !m.fixed[v] {
		panic(fmt.Sprintf("idt: boot tables claim vector %s already registered at runtime", v))
	}
	m.reg.ClaimRange(v, v, true)
	m.fixed[v] = true
}

// install writes a phase. Every handler is resolved before the first
// write, so a missing symbol leaves the table untouched.
func (m *Manager) install(p Phase, kind phasetrace.KindID) error {
	gates := make([]Gate, 0, len(p.Entries))
	for _, e := range p.Entries {
		g, err := m.gate(e)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		gates = append(gates, g)
	}
	m.writeGates(gates, p.Claim)
	m.rec.Record(kind, len(gates))
	m.log.Debug("idt: phase installed", "phase", p.Name, "entries", len(gates))

	if p.Reload {
		return m.reload()
	}
	return nil
}

func (m *Manager) writeGates(gates []Gate, claim bool) {
	for _, g := range gates {
		m.table.write(g.Vector, Build(g))
		if claim {
			m.claimFixed(g.Vector)
		}
	}
}

// InstallEarlyHandlers points every exception vector at its slot of the
// early handler array and loads the table. It is optional and, when used,
// runs first.
func (m *Manager) InstallEarlyHandlers() error {
	m.advance(stageEarlyHandlers)

	base, err := m.opts.Resolver.Resolve(SymbolEarlyHandlerArray)
	if err != nil {
		return fmt.Errorf("idt: early handlers: %w", err)
	}
	gates := make([]Gate, 0, NumExceptionVectors)
	for v := 0; v < NumExceptionVectors; v++ {
		gates = append(gates, Gate{
			Vector:  Vector(v),
			Handler: base + uint64(v)*EarlyHandlerSize,
			Segment: m.opts.KernelCS,
			Kind:    GateInterrupt,
			DPL:     Kernel,
		})
	}
	m.writeGates(gates, false)
	m.rec.Record(tsEarlyHandlers, len(gates))
	m.log.Debug("idt: phase installed", "phase", "early-handlers", "entries", len(gates))
	return m.reload()
}

// InstallEarlyTraps installs the traps usable before dedicated stacks exist
// and loads the table.
func (m *Manager) InstallEarlyTraps() error {
	m.advance(stageEarlyTraps)
	return m.install(earlyTrapsPhase(), tsEarlyTraps)
}

// InstallDefaultTraps installs the full exception set on the default stack.
func (m *Manager) InstallDefaultTraps() error {
	m.advance(stageDefaultTraps)
	return m.install(defaultTrapsPhase(m.opts.Features), tsDefaultTraps)
}

// InstallEarlyPageFault installs the page fault handler used while memory
// management is being set up. It is a no-op batch when the architecture
// has no such handler.
func (m *Manager) InstallEarlyPageFault() error {
	m.advance(stageEarlyPageFault)
	return m.install(earlyPageFaultPhase(m.opts.Features), tsEarlyPageFault)
}

// InstallDedicatedStackTraps reinstalls the exceptions that must run on a
// dedicated stack. It overwrites entries written by the earlier phases.
func (m *Manager) InstallDedicatedStackTraps() error {
	m.advance(stageDedicatedStack)
	return m.install(dedicatedStackPhase(m.opts.Features), tsDedicatedStack)
}

// InstallSystemVectors installs the inter-processor and platform vectors of
// the configured subsystems.
func (m *Manager) InstallSystemVectors() error {
	m.advance(stageSystemVectors)
	return m.install(systemPhase(m.opts.Features), tsSystemVectors)
}

// externalFill returns a generic entry for every unowned vector from
// FirstExternalVector to the end of the table. External vectors get their
// irq_entries_start stub, system vectors the spurious stub. The entries do
// not claim their vectors.
func (m *Manager) externalFill() ([]Gate, error) {
	irqBase, err := m.opts.Resolver.Resolve(SymbolIRQEntriesStart)
	if err != nil {
		return nil, err
	}
	firstSystem := m.opts.Features.FirstSystemVector()

	var spuriousBase uint64
	if firstSystem < NumVectors {
		spuriousBase, err = m.opts.Resolver.Resolve(SymbolSpuriousEntriesStart)
		if err != nil {
			return nil, err
		}
	}

	var gates []Gate
	for v := int(FirstExternalVector); v < NumVectors; v++ {
		if m.reg.IsClaimed(Vector(v)) {
			continue
		}
		var addr uint64
		if v < firstSystem {
			addr = irqBase + IRQEntryStride*uint64(v-int(FirstExternalVector))
		} else {
			addr = spuriousBase + IRQEntryStride*uint64(v-firstSystem)
		}
		gates = append(gates, Gate{
			Vector:  Vector(v),
			Handler: addr,
			Segment: m.opts.KernelCS,
			Kind:    GateInterrupt,
			DPL:     Kernel,
		})
	}
	return gates, nil
}

// Finalize fills every remaining external and system vector, relocates the
// table to its read-only alias, write-protects it and closes the setup
// latch. Afterwards the table never changes.
//
// A failed Finalize leaves the boot stage and the table register as they
// were and may be retried. Steps that already succeeded are not repeated.
// Once the memory is protected, RegisterVector rejects every vector even
// though the latch is still open.
func (m *Manager) Finalize() error {
	m.checkStage(stageFinalized)
	start := time.Now()

	if !m.table.isFrozen() {
		gates, err := m.externalFill()
		if err != nil {
			return fmt.Errorf("idt: external fill: %w", err)
		}
		m.writeGates(gates, false)
		m.rec.Record(tsExternalFill, len(gates))
		m.log.Debug("idt: phase installed", "phase", "external-fill", "entries", len(gates))
	}

	if err := m.relocateAndProtect(); err != nil {
		return err
	}
	m.stage = stageFinalized
	m.done.Store(true)

	m.log.Debug("idt: setup finalized", "owned", len(m.reg.Claimed()), "took", time.Since(start))
	return nil
}

// Finalized reports whether the setup latch is closed.
func (m *Manager) Finalized() bool { return m.done.Load() }

// Entry returns the descriptor currently stored for v.
func (m *Manager) Entry(v Vector) Descriptor { return m.table.read(v) }

// Owned reports whether v is owned by a boot phase or a registration.
func (m *Manager) Owned(v Vector) bool { return m.reg.IsClaimed(v) }

// Pointer returns the current table register value.
func (m *Manager) Pointer() Pointer { return m.ptr }

// Features returns the configured feature set.
func (m *Manager) Features() Features { return m.opts.Features }
