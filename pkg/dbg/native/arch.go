// Package native implements the Native controller (spec.md component E),
// grounded on original_source/t86/debugger/Native.cpp - the canonical,
// richer of the two near-duplicate implementations the original carries
// (spec.md §9). It owns the software breakpoint table (opcode-patch plus
// save/restore), the hardware watchpoint pool bound to debug registers,
// the stepping algorithms, and the debug event model, all driven through
// a pkg/dbg/vmproc.Process.
package native

import (
	"strconv"

	"github.com/Manu343726/t86dbg/pkg/utils"
)

// Arch is the architecture-capability value threaded through
// NewController, replacing the original's Arch::* global singleton
// (spec.md's REDESIGN FLAGS): the original's Arch.h exposes exactly these
// facts about the target machine (SupportHardwareLevelSingleStep,
// GetSoftwareBreakpointOpcode, GetMachine) plus, in the richer Native.cpp
// call sites, a notion of which instructions are calls (consulted by
// PerformStepOver) and which are returns (consulted by the step_out
// algorithm this module adds per SPEC_FULL.md §3).
type Arch struct {
	// HardwareSingleStep reports whether the target machine can single
	// step at the hardware level. Native.cpp's PerformSingleStep refuses
	// to operate at all when this is false.
	HardwareSingleStep bool
	// BreakpointOpcode is the mnemonic written into the VM's text to
	// plant a software breakpoint, "BKPT" for T86 (spec.md §6.1).
	BreakpointOpcode string
	// CallInstructionMnemonics are the leading mnemonics PerformStepOver
	// checks the current instruction's text against to decide whether a
	// temporary return-address breakpoint is needed.
	CallInstructionMnemonics []string
	// ReturnInstructionMnemonics are the mnemonics step_out's loop
	// recognises as "this instruction returns from the current function".
	ReturnInstructionMnemonics []string
	// DebugRegisterCount is the size of the hardware watchpoint pool.
	DebugRegisterCount int
}

// DefaultT86Arch is the capability value for the T86 machine spec.md
// targets: hardware single-stepping is supported, breakpoints use the
// BKPT opcode, and CALL/RET are the only call/return instructions.
var DefaultT86Arch = Arch{
	HardwareSingleStep:         true,
	BreakpointOpcode:           "BKPT",
	CallInstructionMnemonics:   []string{"CALL"},
	ReturnInstructionMnemonics: []string{"RET"},
	DebugRegisterCount:         4,
}

// IsCallInstruction reports whether text (an instruction's disassembled
// text, as returned by ReadText) is a call instruction.
func (a Arch) IsCallInstruction(text string) bool {
	return startsWithAny(text, a.CallInstructionMnemonics)
}

// IsReturnInstruction reports whether text is a return instruction.
func (a Arch) IsReturnInstruction(text string) bool {
	return startsWithAny(text, a.ReturnInstructionMnemonics)
}

func startsWithAny(text string, mnemonics []string) bool {
	for _, m := range mnemonics {
		if len(text) >= len(m) && text[:len(m)] == m {
			return true
		}
	}
	return false
}

// debugRegisterName is the wire name of debug register index, "Dk" per
// spec.md §4.B ("debug: Dk with k < debug_count"). The set has
// DebugRegisterCount address-holding slots (D0..D{N-1}, one per hardware
// watchpoint) plus one further control register at index
// DebugRegisterCount itself - "the control register is included in the
// debug set", so TotalDebugRegisters is N+1, not N.
func debugRegisterName(index int) string {
	return "D" + strconv.Itoa(index)
}

// TotalDebugRegisters is the wire debug_count a VM process proxy must be
// constructed with: one address slot per hardware watchpoint plus the
// control register.
func (a Arch) TotalDebugRegisters() int {
	return a.DebugRegisterCount + 1
}

// controlRegisterName is the single control register holding both the
// per-slot enable bits (bits 0..N-1, set while watchpoint slot i is
// bound) and the triggering-slot bits (bits 8..8+N-1, set by the VM when
// a hardware watchpoint traps), per spec.md §4.E.4's "T86-style layout".
func (a Arch) controlRegisterName() string {
	return debugRegisterName(a.DebugRegisterCount)
}

// triggerBitBase is where the triggering-register bits start in the
// control register, per spec.md §4.E.4 ("bits 8..8+N-1").
const triggerBitBase = 8

// ResponsibleRegister maps a HW_BKPT stop to the watchpoint's hardware
// register index, by reading the control register's trigger bits,
// mirroring Native.cpp's Arch::GetResponsibleRegister(FetchDebugRegisters())
// call in MapReasonToEvent.
func (a Arch) ResponsibleRegister(debugRegs map[string]uint64) (index int, ok bool) {
	control, present := debugRegs[a.controlRegisterName()]
	if !present {
		return 0, false
	}
	view := utils.CreateBitView(&control)
	for i := 0; i < a.DebugRegisterCount; i++ {
		if view.Read(triggerBitBase+i, 1) != 0 {
			return i, true
		}
	}
	return 0, false
}

