// Package locvm implements the location VM (spec.md component D): a tiny
// stack interpreter that evaluates a variable's location program against
// the live register file to find where that variable currently lives.
// It is grounded on the VariableLocation sum type in
// Manu343726-cucaracha's pkg/hw/cpu/mc/debuginfo.go (RegisterLocation /
// MemoryLocation / ConstantLocation, there resolved directly by a
// type-switch); this module generalises that one-shot resolution into the
// bytecode program spec.md §3 requires, since a variable's location can
// depend on control flow (e.g. "in register R1 for this range of
// addresses, on the stack for another").
package locvm

import (
	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
)

// Kind distinguishes the two shapes a Location on the interpreter's value
// stack can take: a resolved address-relative offset, or a register that
// still needs to be read from the live register file.
type Kind int

const (
	// Offset is a fully-resolved address offset into the VM's address
	// space (for a global) or stack frame (once combined with a frame
	// base register).
	Offset Kind = iota
	// Register names a live register whose current value participates
	// in the location computation.
	Register
)

// Location is a single value on the location VM's stack.
type Location struct {
	Kind     Kind
	Offset   int64
	Register string
}

// OffsetOf builds a resolved-offset Location.
func OffsetOf(v int64) Location { return Location{Kind: Offset, Offset: v} }

// RegisterOf builds a register-reference Location.
func RegisterOf(name string) Location { return Location{Kind: Register, Register: name} }

// OpCode tags a single location-program instruction, per spec.md §3's
// opcode set.
type OpCode int

const (
	// OpPush pushes a constant Location (an Offset or a Register
	// reference) onto the stack.
	OpPush OpCode = iota
	// OpAdd pops two Locations and pushes their combination, per the
	// Add-combination table below.
	OpAdd
	// OpFrameBaseRegisterOffset pushes the current frame base register's
	// value plus a constant displacement, already resolved to an Offset.
	OpFrameBaseRegisterOffset
	// OpDereference follows a pointer: it pops an offset, loads Constant
	// data cells from VM memory at that offset through the MemoryReader passed
	// to Eval, and pushes the loaded value back as a resolved Offset.
	// Resolved per spec.md §9's Open Question (no sample program exercises
	// it, so implementers must implement or reject it, never silently
	// ignore it): this module implements it, since pointer-typed variables
	// need exactly this to read what they point to.
	OpDereference
)

// Instr is one instruction of a location program.
type Instr struct {
	Op       OpCode
	Push     Location // operand of OpPush
	Constant int64    // operand of OpFrameBaseRegisterOffset / size operand of OpDereference
}

// Program is an ordered location program, evaluated top to bottom against
// a concrete register snapshot.
type Program []Instr

func PushOffset(v int64) Instr      { return Instr{Op: OpPush, Push: OffsetOf(v)} }
func PushRegister(name string) Instr { return Instr{Op: OpPush, Push: RegisterOf(name)} }
func Add() Instr                     { return Instr{Op: OpAdd} }
func FrameBaseOffset(k int64) Instr  { return Instr{Op: OpFrameBaseRegisterOffset, Constant: k} }
func Dereference(size int64) Instr   { return Instr{Op: OpDereference, Constant: size} }

// Registers is the live register snapshot the interpreter reads from. Name
// lookups mirror the wire protocol's register names, including the
// frame-base register "BP" used by OpFrameBaseRegisterOffset.
type Registers map[string]int64

// FrameBaseRegister is the register spec.md's location programs use as the
// implicit frame base, matching T86's calling convention.
const FrameBaseRegister = "BP"

// MemoryReader loads a sized value from VM data memory, so OpDereference
// can resolve pointer indirection without this package depending on
// pkg/dbg/vmproc or pkg/dbg/native directly. Size is in the VM's
// addressable data-cell units (spec.md's memory model is cell-addressed,
// not byte-addressed, so there is no byte-width conversion to do here).
type MemoryReader func(address int64, size int64) (int64, error)

// Eval runs a location program against a register snapshot and returns the
// resolved Location. A program that still contains an unresolved Register
// at the end (no arithmetic combined it down to an Offset) is itself the
// final answer: the variable lives directly in that register. mem resolves
// OpDereference instructions; it may be nil if the program is known not to
// contain one, in which case encountering one fails with DebugInfoMissing
// rather than dereferencing a nil reader.
func Eval(prog Program, regs Registers, mem MemoryReader) (Location, error) {
	var stack []Location

	push := func(l Location) { stack = append(stack, l) }
	pop := func() (Location, error) {
		if len(stack) == 0 {
			return Location{}, dbgerr.New(dbgerr.ProtocolError, "location program stack underflow")
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return top, nil
	}

	for _, instr := range prog {
		switch instr.Op {
		case OpPush:
			push(instr.Push)
		case OpFrameBaseRegisterOffset:
			fp, ok := regs[FrameBaseRegister]
			if !ok {
				return Location{}, dbgerr.New(dbgerr.DebugInfoMissing, "frame base register %s not available", FrameBaseRegister)
			}
			push(OffsetOf(fp + instr.Constant))
		case OpAdd:
			rhs, err := pop()
			if err != nil {
				return Location{}, err
			}
			lhs, err := pop()
			if err != nil {
				return Location{}, err
			}
			combined, err := combine(lhs, rhs, regs)
			if err != nil {
				return Location{}, err
			}
			push(combined)
		case OpDereference:
			top, err := pop()
			if err != nil {
				return Location{}, err
			}
			if top.Kind != Offset {
				return Location{}, dbgerr.New(dbgerr.ProtocolError, "OpDereference requires a resolved offset, got a register")
			}
			if mem == nil {
				return Location{}, dbgerr.New(dbgerr.DebugInfoMissing, "OpDereference requires VM memory access, none was provided")
			}
			loaded, err := mem(top.Offset, instr.Constant)
			if err != nil {
				return Location{}, err
			}
			push(OffsetOf(loaded))
		default:
			return Location{}, dbgerr.New(dbgerr.ProtocolError, "unknown location opcode %d", instr.Op)
		}
	}

	if len(stack) != 1 {
		return Location{}, dbgerr.New(dbgerr.ProtocolError, "location program left %d values on the stack, expected 1", len(stack))
	}
	return stack[0], nil
}

// combine implements spec.md §3's Add-combination table: Offset+Offset,
// Offset+Register, Register+Offset and Register+Register all resolve to a
// concrete Offset by reading any Register operand's live value.
func combine(lhs, rhs Location, regs Registers) (Location, error) {
	resolve := func(l Location) (int64, error) {
		switch l.Kind {
		case Offset:
			return l.Offset, nil
		case Register:
			v, ok := regs[l.Register]
			if !ok {
				return 0, dbgerr.New(dbgerr.DebugInfoMissing, "register %s not available while evaluating location program", l.Register)
			}
			return v, nil
		default:
			return 0, dbgerr.New(dbgerr.ProtocolError, "unknown location kind %d", l.Kind)
		}
	}

	a, err := resolve(lhs)
	if err != nil {
		return Location{}, err
	}
	b, err := resolve(rhs)
	if err != nil {
		return Location{}, err
	}
	return OffsetOf(a + b), nil
}
