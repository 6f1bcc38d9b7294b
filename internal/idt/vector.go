package idt

import "fmt"

// Vector identifies one slot of the interrupt descriptor table.
type Vector uint8

// NumVectors is the size of the vector space.
const NumVectors = 256

// Architecture-defined exception vectors.
const (
	TrapDivideError       Vector = 0x00 // #DE
	TrapDebug             Vector = 0x01 // #DB
	TrapNMI               Vector = 0x02
	TrapBreakpoint        Vector = 0x03 // #BP
	TrapOverflow          Vector = 0x04 // #OF
	TrapBounds            Vector = 0x05 // #BR
	TrapInvalidOpcode     Vector = 0x06 // #UD
	TrapDeviceNotAvail    Vector = 0x07 // #NM
	TrapDoubleFault       Vector = 0x08 // #DF
	TrapCoprocSegOverrun  Vector = 0x09
	TrapInvalidTSS        Vector = 0x0a // #TS
	TrapSegmentNotPresent Vector = 0x0b // #NP
	TrapStackSegment      Vector = 0x0c // #SS
	TrapGeneralProtection Vector = 0x0d // #GP
	TrapPageFault         Vector = 0x0e // #PF
	TrapSpuriousBug       Vector = 0x0f
	TrapCoprocError       Vector = 0x10 // #MF
	TrapAlignmentCheck    Vector = 0x11 // #AC
	TrapMachineCheck      Vector = 0x12 // #MC
	TrapSIMDError         Vector = 0x13 // #XF
	TrapVirtualization    Vector = 0x14 // #VE
	TrapControlProtection Vector = 0x15 // #CP
	TrapVMMCommunication  Vector = 0x1d // #VC
)

// NumExceptionVectors is the size of the reserved exception range
// [0, NumExceptionVectors). Vectors in it are never handed out at runtime.
const NumExceptionVectors = 32

// FirstExternalVector is the first vector usable by external interrupts.
const FirstExternalVector Vector = 0x20

// System vectors, allocated from the top of the vector space downwards.
const (
	IRQMoveCleanupVector     Vector = FirstExternalVector
	IA32SyscallVector        Vector = 0x80
	LocalTimerVector         Vector = 0xec
	PostedIntrNestedVector   Vector = 0xf0
	PostedIntrWakeupVector   Vector = 0xf1
	PostedIntrVector         Vector = 0xf2
	DeferredErrorVector      Vector = 0xf4
	IRQWorkVector            Vector = 0xf6
	PlatformIPIVector        Vector = 0xf7
	RebootVector             Vector = 0xf8
	ThresholdAPICVector      Vector = 0xf9
	ThermalAPICVector        Vector = 0xfa
	CallFunctionSingleVector Vector = 0xfb
	CallFunctionVector       Vector = 0xfc
	RescheduleVector         Vector = 0xfd
	ErrorAPICVector          Vector = 0xfe
	SpuriousAPICVector       Vector = 0xff
)

// Reserved reports whether v lies in the architecture-defined exception range.
func (v Vector) Reserved() bool {
	return v < NumExceptionVectors
}

var vectorNames = map[Vector]string{
	TrapDivideError:          "divide-error",
	TrapDebug:                "debug",
	TrapNMI:                  "nmi",
	TrapBreakpoint:           "breakpoint",
	TrapOverflow:             "overflow",
	TrapBounds:               "bounds",
	TrapInvalidOpcode:        "invalid-opcode",
	TrapDeviceNotAvail:       "device-not-available",
	TrapDoubleFault:          "double-fault",
	TrapCoprocSegOverrun:     "coprocessor-segment-overrun",
	TrapInvalidTSS:           "invalid-tss",
	TrapSegmentNotPresent:    "segment-not-present",
	TrapStackSegment:         "stack-segment",
	TrapGeneralProtection:    "general-protection",
	TrapPageFault:            "page-fault",
	TrapSpuriousBug:          "spurious-interrupt-bug",
	TrapCoprocError:          "coprocessor-error",
	TrapAlignmentCheck:       "alignment-check",
	TrapMachineCheck:         "machine-check",
	TrapSIMDError:            "simd-error",
	TrapVirtualization:       "virtualization",
	TrapControlProtection:    "control-protection",
	TrapVMMCommunication:     "vmm-communication",
	IA32SyscallVector:        "ia32-syscall",
	LocalTimerVector:         "local-timer",
	PostedIntrNestedVector:   "posted-intr-nested",
	PostedIntrWakeupVector:   "posted-intr-wakeup",
	PostedIntrVector:         "posted-intr",
	DeferredErrorVector:      "deferred-error",
	IRQWorkVector:            "irq-work",
	PlatformIPIVector:        "platform-ipi",
	RebootVector:             "reboot",
	ThresholdAPICVector:      "threshold",
	ThermalAPICVector:        "thermal",
	CallFunctionSingleVector: "call-function-single",
	CallFunctionVector:       "call-function",
	RescheduleVector:         "reschedule",
	ErrorAPICVector:          "apic-error",
	SpuriousAPICVector:       "spurious-apic",
}

func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return fmt.Sprintf("0x%02x(%s)", uint8(v), name)
	}
	return fmt.Sprintf("0x%02x", uint8(v))
}
