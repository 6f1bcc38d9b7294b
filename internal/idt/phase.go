package idt

// Boot-time handler tables. Each phase is a plain ordered list of entries;
// the Manager applies them in a fixed order, see stage.

// Resolver maps a handler symbol to its entry address.
type Resolver interface {
	Resolve(symbol string) (uint64, error)
}

// Features selects the optional parts of the boot tables. The zero value is
// a minimal uniprocessor machine without a local APIC.
type Features struct {
	MachineCheck        bool `yaml:"machineCheck,omitempty"`
	MCEThreshold        bool `yaml:"mceThreshold,omitempty"`
	MCEAMD              bool `yaml:"mceAMD,omitempty"`
	ThermalVector       bool `yaml:"thermalVector,omitempty"`
	IA32Emulation       bool `yaml:"ia32Emulation,omitempty"`
	SMP                 bool `yaml:"smp,omitempty"`
	LocalAPIC           bool `yaml:"localAPIC,omitempty"`
	KVMPostedInterrupts bool `yaml:"kvmPostedInterrupts,omitempty"`
	IRQWork             bool `yaml:"irqWork,omitempty"`
	AMDMemEncrypt       bool `yaml:"amdMemEncrypt,omitempty"`
	// EarlyPageFault is set on architectures that install a distinct page
	// fault handler while early page tables are built.
	EarlyPageFault bool `yaml:"earlyPageFault,omitempty"`
	// DoubleFaultTaskGate routes #DF through a task gate to the double
	// fault TSS instead of a dedicated stack.
	DoubleFaultTaskGate bool `yaml:"doubleFaultTaskGate,omitempty"`
}

// DefaultFeatures is a typical x86-64 SMP configuration.
func DefaultFeatures() Features {
	return Features{
		MachineCheck:        true,
		MCEThreshold:        true,
		ThermalVector:       true,
		IA32Emulation:       true,
		SMP:                 true,
		LocalAPIC:           true,
		KVMPostedInterrupts: true,
		IRQWork:             true,
		EarlyPageFault:      true,
	}
}

// FirstSystemVector is the lowest vector reserved for system use under f.
// Without a local APIC there are none and it equals NumVectors.
func (f Features) FirstSystemVector() int {
	if f.LocalAPIC {
		return int(LocalTimerVector)
	}
	return NumVectors
}

// TSS interrupt stack table slots.
const (
	StackDoubleFault  = 0
	StackNMI          = 1
	StackDebug        = 2
	StackMachineCheck = 3
	StackVMMComm      = 4
)

// DoubleFaultTSSEntry is the GDT entry of the double fault task.
const DoubleFaultTSSEntry = 31

// Entry is one row of a phase table.
type Entry struct {
	Vector Vector
	Symbol string
	Kind   GateKind
	DPL    Privilege
	Stack  Stack
	// TSSEntry is the GDT entry used by task gates.
	TSSEntry int
}

func intg(v Vector, sym string) Entry {
	return Entry{Vector: v, Symbol: sym, Kind: GateInterrupt, DPL: Kernel}
}

func sysg(v Vector, sym string) Entry {
	return Entry{Vector: v, Symbol: sym, Kind: GateInterrupt, DPL: User}
}

func istg(v Vector, sym string, ist int) Entry {
	return Entry{Vector: v, Symbol: sym, Kind: GateInterrupt, DPL: Kernel, Stack: DedicatedStack(ist)}
}

func tskg(v Vector, tss int) Entry {
	return Entry{Vector: v, Kind: GateTask, DPL: Kernel, TSSEntry: tss}
}

// Phase is a named batch of entries.
type Phase struct {
	Name    string
	Entries []Entry
	// Claim marks every vector of the batch owned.
	Claim bool
	// Reload loads the table register after the batch is written.
	Reload bool
}

// Symbols that are not tied to a single phase entry.
const (
	SymbolEarlyHandlerArray    = "early_idt_handler_array"
	SymbolIRQEntriesStart      = "irq_entries_start"
	SymbolSpuriousEntriesStart = "spurious_entries_start"
)

const (
	// EarlyHandlerSize is the stride of early_idt_handler_array.
	EarlyHandlerSize = 9
	// IRQEntryStride is the stride of the external and spurious stubs.
	IRQEntryStride = 8
)

// Early traps run on the default stack because dedicated stacks only work
// once the TSS is set up.
func earlyTrapsPhase() Phase {
	return Phase{
		Name: "early-traps",
		Entries: []Entry{
			intg(TrapDebug, "asm_exc_debug"),
			sysg(TrapBreakpoint, "asm_exc_int3"),
		},
		Claim:  true,
		Reload: true,
	}
}

func defaultTrapsPhase(f Features) Phase {
	e := []Entry{
		intg(TrapDivideError, "asm_exc_divide_error"),
		intg(TrapNMI, "asm_exc_nmi"),
		intg(TrapBounds, "asm_exc_bounds"),
		intg(TrapInvalidOpcode, "asm_exc_invalid_op"),
		intg(TrapDeviceNotAvail, "asm_exc_device_not_available"),
		intg(TrapCoprocSegOverrun, "asm_exc_coproc_segment_overrun"),
		intg(TrapInvalidTSS, "asm_exc_invalid_tss"),
		intg(TrapSegmentNotPresent, "asm_exc_segment_not_present"),
		intg(TrapStackSegment, "asm_exc_stack_segment"),
		intg(TrapGeneralProtection, "asm_exc_general_protection"),
		intg(TrapSpuriousBug, "asm_exc_spurious_interrupt_bug"),
		intg(TrapCoprocError, "asm_exc_coprocessor_error"),
		intg(TrapAlignmentCheck, "asm_exc_alignment_check"),
		intg(TrapSIMDError, "asm_exc_simd_coprocessor_error"),
	}
	if f.DoubleFaultTaskGate {
		e = append(e, tskg(TrapDoubleFault, DoubleFaultTSSEntry))
	} else {
		e = append(e, intg(TrapDoubleFault, "asm_exc_double_fault"))
	}
	e = append(e, intg(TrapDebug, "asm_exc_debug"))
	if f.MachineCheck {
		e = append(e, intg(TrapMachineCheck, "asm_exc_machine_check"))
	}
	e = append(e, sysg(TrapOverflow, "asm_exc_overflow"))
	if f.IA32Emulation {
		e = append(e, sysg(IA32SyscallVector, "entry_INT80_compat"))
	}
	return Phase{Name: "default-traps", Entries: e, Claim: true}
}

func earlyPageFaultPhase(f Features) Phase {
	p := Phase{Name: "early-page-fault", Claim: true}
	if f.EarlyPageFault {
		p.Entries = []Entry{intg(TrapPageFault, "asm_exc_page_fault")}
	}
	return p
}

// The vectors in this phase were installed on the default stack before and
// are replaced here now that the TSS exists.
func dedicatedStackPhase(f Features) Phase {
	e := []Entry{
		istg(TrapDebug, "asm_exc_debug", StackDebug),
		istg(TrapNMI, "asm_exc_nmi", StackNMI),
	}
	if !f.DoubleFaultTaskGate {
		e = append(e, istg(TrapDoubleFault, "asm_exc_double_fault", StackDoubleFault))
	}
	if f.MachineCheck {
		e = append(e, istg(TrapMachineCheck, "asm_exc_machine_check", StackMachineCheck))
	}
	if f.AMDMemEncrypt {
		e = append(e, istg(TrapVMMCommunication, "asm_exc_vmm_communication", StackVMMComm))
	}
	return Phase{Name: "dedicated-stack-traps", Entries: e, Claim: true}
}

func systemPhase(f Features) Phase {
	var e []Entry
	if f.SMP {
		e = append(e,
			intg(RescheduleVector, "asm_sysvec_reschedule_ipi"),
			intg(CallFunctionVector, "asm_sysvec_call_function"),
			intg(CallFunctionSingleVector, "asm_sysvec_call_function_single"),
			intg(IRQMoveCleanupVector, "asm_sysvec_irq_move_cleanup"),
			intg(RebootVector, "asm_sysvec_reboot"),
		)
	}
	if f.ThermalVector {
		e = append(e, intg(ThermalAPICVector, "asm_sysvec_thermal"))
	}
	if f.MCEThreshold {
		e = append(e, intg(ThresholdAPICVector, "asm_sysvec_threshold"))
	}
	if f.MCEAMD {
		e = append(e, intg(DeferredErrorVector, "asm_sysvec_deferred_error"))
	}
	if f.LocalAPIC {
		e = append(e,
			intg(LocalTimerVector, "asm_sysvec_apic_timer_interrupt"),
			intg(PlatformIPIVector, "asm_sysvec_x86_platform_ipi"),
		)
		if f.KVMPostedInterrupts {
			e = append(e,
				intg(PostedIntrVector, "asm_sysvec_kvm_posted_intr_ipi"),
				intg(PostedIntrWakeupVector, "asm_sysvec_kvm_posted_intr_wakeup_ipi"),
				intg(PostedIntrNestedVector, "asm_sysvec_kvm_posted_intr_nested_ipi"),
			)
		}
		if f.IRQWork {
			e = append(e, intg(IRQWorkVector, "asm_sysvec_irq_work"))
		}
		e = append(e,
			intg(SpuriousAPICVector, "asm_sysvec_spurious_apic_interrupt"),
			intg(ErrorAPICVector, "asm_sysvec_error_interrupt"),
		)
	}
	return Phase{Name: "system-vectors", Entries: e, Claim: true}
}

// Phases returns the fixed boot tables for f in application order.
func Phases(f Features) []Phase {
	return []Phase{
		earlyTrapsPhase(),
		defaultTrapsPhase(f),
		earlyPageFaultPhase(f),
		dedicatedStackPhase(f),
		systemPhase(f),
	}
}

// Symbols lists every handler symbol the boot tables for f reference,
// including the stub arrays, without duplicates.
func Symbols(f Features) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(SymbolEarlyHandlerArray)
	for _, p := range Phases(f) {
		for _, e := range p.Entries {
			add(e.Symbol)
		}
	}
	add(SymbolIRQEntriesStart)
	add(SymbolSpuriousEntriesStart)
	return out
}
