// Package source implements the Source controller (spec.md component F):
// address/line mapping, scoped variable enumeration with shadowing, live
// location resolution via the location VM, and source-level step-in /
// step-over / step-out, layered on top of a native.Controller and a
// debuginfo.CompileUnit. It is grounded on
// Manu343726-cucaracha's pkg/hw/cpu/debugger/backend.go and controller.go
// (the Next/nextOne source-line-stepping loop, GetVariables/
// readVariableValue), generalised from that file's in-process single
// interpreter to a Controller talking to a VM over the wire.
package source

import (
	"fmt"
	"log/slog"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/debuginfo"
	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
)

// maxInstructionsPerSourceStep bounds the source-line stepping loop, the
// same guard Controller.nextSourceLine applies in the teacher
// (maxInstructions = 10000), so a step-over that never returns to a known
// source line (e.g. stepping into a function with no debug info) gives
// up instead of looping forever.
const maxInstructionsPerSourceStep = 10000

// ResolvedVariable pairs a debuginfo.Variable with its live location,
// already evaluated against the current register snapshot.
type ResolvedVariable struct {
	Variable *debuginfo.Variable
	Location locvm.Location
}

// Controller is the Source controller. It never talks to the VM process
// directly; every operation is expressed in terms of the Native
// controller it wraps.
type Controller struct {
	native *native.Controller
	info   *debuginfo.CompileUnit
	log    *slog.Logger
}

// New creates a Source controller over an already-connected Native
// controller and a loaded compile unit. info may be nil if only
// instruction-level operations will be used; any source-level operation
// on a nil compile unit returns a DebugInfoMissing error.
func New(nativeCtl *native.Controller, info *debuginfo.CompileUnit, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{native: nativeCtl, info: info, log: log}
}

// Native exposes the underlying Native controller, for callers that need
// instruction-level operations this package does not wrap (breakpoints,
// watchpoints, raw memory).
func (c *Controller) Native() *native.Controller { return c.native }

// requireInfo returns the compile unit or a DebugInfoMissing error.
func (c *Controller) requireInfo() (*debuginfo.CompileUnit, error) {
	if c.info == nil {
		return nil, dbgerr.New(dbgerr.DebugInfoMissing, "no debug information loaded")
	}
	return c.info, nil
}

// CurrentLine returns the source file and line for the live IP.
func (c *Controller) CurrentLine() (file string, line int, err error) {
	info, err := c.requireInfo()
	if err != nil {
		return "", 0, err
	}
	ip, err := c.native.GetIP()
	if err != nil {
		return "", 0, err
	}
	file, line, ok := info.LineForAddress(ip)
	if !ok {
		return "", 0, dbgerr.New(dbgerr.DebugInfoMissing, "no source line mapped to address %#x", ip)
	}
	return file, line, nil
}

// AddressesForLine exposes debuginfo.CompileUnit.AddressesForLine, so
// callers can set a source-level breakpoint via native.Controller without
// this package having to duplicate breakpoint bookkeeping.
func (c *Controller) AddressesForLine(file string, line int) ([]uint64, error) {
	info, err := c.requireInfo()
	if err != nil {
		return nil, err
	}
	return info.AddressesForLine(file, line), nil
}

// LineToAddress is spec.md §4.F's line_to_address(l): the canonical
// address for a source line, defined as the smallest address in that
// line's pre-image (spec.md §3's line-map tie-break rule), not the full
// set AddressesForLine returns.
func (c *Controller) LineToAddress(file string, line int) (uint64, error) {
	addrs, err := c.AddressesForLine(file, line)
	if err != nil {
		return 0, err
	}
	if len(addrs) == 0 {
		return 0, dbgerr.New(dbgerr.DebugInfoMissing, "no address maps to %s:%d", file, line)
	}
	return addrs[0], nil
}

// FunctionInfo is spec.md §4.F's function_info(a): the function covering
// an address, by name and address extent.
type FunctionInfo struct {
	Name         string
	StartAddress uint64
	EndAddress   uint64
}

// FunctionInfo returns the function covering address.
func (c *Controller) FunctionInfo(address uint64) (FunctionInfo, error) {
	info, err := c.requireInfo()
	if err != nil {
		return FunctionInfo{}, err
	}
	fn := info.FunctionAt(address)
	if fn == nil {
		return FunctionInfo{}, dbgerr.New(dbgerr.DebugInfoMissing, "no function covers address %#x", address)
	}
	return FunctionInfo{Name: fn.Name, StartAddress: fn.StartAddress, EndAddress: fn.EndAddress}, nil
}

// TypeToString renders a type's name for display, following pointer and
// struct shapes the way a C-like declarator would: "T", "*T", or
// "struct T".
func TypeToString(t *debuginfo.Type) string {
	if t == nil {
		return "<unknown type>"
	}
	switch t.Kind {
	case debuginfo.KindPointer:
		return "*" + TypeToString(t.Elem)
	case debuginfo.KindStruct:
		return "struct " + t.Name
	default:
		return t.Name
	}
}

// TypedValueToString renders a raw integer value read from a location
// according to its static type: pointers and base types print as their
// plain (possibly hex, for pointers) value; a struct has no single scalar
// value, so it renders as its address.
func TypedValueToString(t *debuginfo.Type, value int64) string {
	if t == nil {
		return fmt.Sprintf("%d", value)
	}
	switch t.Kind {
	case debuginfo.KindPointer:
		return fmt.Sprintf("(%s) %#x", TypeToString(t), uint64(value))
	case debuginfo.KindStruct:
		return fmt.Sprintf("(%s) @%#x", TypeToString(t), uint64(value))
	default:
		return fmt.Sprintf("(%s) %d", t.Name, value)
	}
}

// readMemoryCell adapts the native Controller's memory access to
// locvm.MemoryReader, for resolving OpDereference in a location program.
func (c *Controller) readMemoryCell(address int64, size int64) (int64, error) {
	values, err := c.native.ReadMemory(uint64(address), int(size))
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, dbgerr.New(dbgerr.ProtocolError, "ReadMemory returned no values for address %#x", address)
	}
	return values[0], nil
}

// Variables returns every variable visible at the live IP, with its
// current location resolved against the live register file, innermost
// scope first (spec.md's scoped enumeration with shadowing, delegated to
// debuginfo.CompileUnit.VariablesInScope for the shadowing rule itself).
func (c *Controller) Variables() ([]ResolvedVariable, error) {
	info, err := c.requireInfo()
	if err != nil {
		return nil, err
	}
	ip, err := c.native.GetIP()
	if err != nil {
		return nil, err
	}
	vars, err := info.VariablesInScope(ip)
	if err != nil {
		return nil, err
	}
	regs, err := c.native.Registers()
	if err != nil {
		return nil, err
	}
	fn := info.FunctionAt(ip)
	if fn == nil {
		return nil, dbgerr.New(dbgerr.DebugInfoMissing, "no function covers address %#x", ip)
	}
	frameRegs, err := c.withFrameBase(regs, fn)
	if err != nil {
		return nil, err
	}

	resolved := make([]ResolvedVariable, 0, len(vars))
	for _, v := range vars {
		loc, err := locvm.Eval(v.Location, frameRegs, c.readMemoryCell)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, ResolvedVariable{Variable: v, Location: loc})
	}
	return resolved, nil
}

// withFrameBase evaluates the function's frame-base program (if any) and
// exposes its result under locvm.FrameBaseRegister, so variable location
// programs using OpFrameBaseRegisterOffset resolve against it without
// every variable repeating the frame-base computation itself.
func (c *Controller) withFrameBase(regs map[string]int64, fn *debuginfo.Function) (locvm.Registers, error) {
	out := make(locvm.Registers, len(regs)+1)
	for name, v := range regs {
		out[name] = v
	}
	if len(fn.FrameBaseProgram) == 0 {
		return out, nil
	}
	loc, err := locvm.Eval(fn.FrameBaseProgram, out, c.readMemoryCell)
	if err != nil {
		return nil, err
	}
	if loc.Kind == locvm.Offset {
		out[locvm.FrameBaseRegister] = loc.Offset
	} else {
		v, ok := out[loc.Register]
		if !ok {
			return nil, dbgerr.New(dbgerr.DebugInfoMissing, "frame base register %s not available", loc.Register)
		}
		out[locvm.FrameBaseRegister] = v
	}
	return out, nil
}

// ReadVariable reads the current value of a named variable visible at the
// live IP, dereferencing its resolved location: a Register location reads
// the named register directly, an Offset location reads one memory cell
// at that address, whatever the size of the variable's type.
func (c *Controller) ReadVariable(name string) (int64, error) {
	vars, err := c.Variables()
	if err != nil {
		return 0, err
	}
	for _, rv := range vars {
		if rv.Variable.Name != name {
			continue
		}
		switch rv.Location.Kind {
		case locvm.Register:
			return c.native.GetRegister(rv.Location.Register)
		case locvm.Offset:
			values, err := c.native.ReadMemory(uint64(rv.Location.Offset), 1)
			if err != nil {
				return 0, err
			}
			return values[0], nil
		}
	}
	return 0, dbgerr.New(dbgerr.InvalidOperand, "no variable named %q visible at the current location", name)
}
