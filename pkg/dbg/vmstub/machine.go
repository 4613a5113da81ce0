package vmstub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/wire"
)

// triggerBitBase mirrors pkg/dbg/native's control-register layout (bits
// 8..8+N-1 hold the triggering watchpoint slot), so a Machine used in
// this module's own tests produces events native.Controller decodes the
// same way a real T86 VM would.
const triggerBitBase = 8

// InMemoryMachine is a minimal register-machine interpreter implementing
// just enough of T86's instruction set to drive spec.md §8's S1-S6
// scenarios end to end: MOV, ADD, CALL/RET, JMP/JNZ, HALT, and direct or
// register-indirect memory operands ("[5]", "[R0]"). It exists purely as
// test infrastructure for pkg/dbg/native and pkg/dbg/source; it is not
// part of the driver side of the module.
type InMemoryMachine struct {
	text []string
	data []int64

	gp    []int64
	ip    uint64
	bp    uint64
	sp    uint64
	flags uint64

	float []float64
	debug []uint64

	callStack []uint64
}

// NewInMemoryMachine builds a machine with gpCount general-purpose
// registers, floatCount float registers, hwWatchpoints hardware
// watchpoint slots (plus the one control register spec.md's debug
// register set always includes), dataSize data cells, and the given
// program text. The stack pointer starts at the top of data memory.
func NewInMemoryMachine(program []string, gpCount, floatCount, hwWatchpoints int, dataSize uint64) *InMemoryMachine {
	return &InMemoryMachine{
		text:  append([]string(nil), program...),
		data:  make([]int64, dataSize),
		gp:    make([]int64, gpCount),
		float: make([]float64, floatCount),
		debug: make([]uint64, hwWatchpoints+1),
		sp:    dataSize,
	}
}

// Run implements Machine.Run: it executes instructions starting at IP,
// stopping after exactly one if trap is set, or at the first breakpoint,
// watchpoint, halt or error otherwise.
func (m *InMemoryMachine) Run(trap bool) (wire.StopReason, error) {
	for {
		if m.ip >= uint64(len(m.text)) {
			return wire.StopHalt, nil
		}
		if m.text[m.ip] == wire.BreakpointOpcode {
			m.ip++
			return wire.StopSoftwareBreakpoint, nil
		}
		reason, err := m.execOne()
		if err != nil {
			return wire.StopCPUError, err
		}
		if reason != wire.StopSingleStep {
			return reason, nil
		}
		if trap {
			return wire.StopSingleStep, nil
		}
	}
}

func (m *InMemoryMachine) execOne() (wire.StopReason, error) {
	fields := strings.Fields(m.text[m.ip])
	if len(fields) == 0 {
		return wire.StopCPUError, dbgerr.New(dbgerr.ProtocolError, "empty instruction at %#x", m.ip)
	}
	mnemonic := fields[0]
	operands := splitOperands(strings.Join(fields[1:], ""))

	switch mnemonic {
	case "MOV":
		v, err := m.readOperand(operands[1])
		if err != nil {
			return wire.StopCPUError, err
		}
		reason, err := m.writeOperand(operands[0], v)
		if err != nil {
			return wire.StopCPUError, err
		}
		m.ip++
		return reason, nil
	case "ADD":
		a, err := m.readOperand(operands[0])
		if err != nil {
			return wire.StopCPUError, err
		}
		b, err := m.readOperand(operands[1])
		if err != nil {
			return wire.StopCPUError, err
		}
		reason, err := m.writeOperand(operands[0], a+b)
		if err != nil {
			return wire.StopCPUError, err
		}
		m.ip++
		return reason, nil
	case "HALT":
		return wire.StopHalt, nil
	case "JMP":
		target, err := m.readOperand(operands[0])
		if err != nil {
			return wire.StopCPUError, err
		}
		m.ip = uint64(target)
		return wire.StopSingleStep, nil
	case "JNZ":
		cond, err := m.readOperand(operands[0])
		if err != nil {
			return wire.StopCPUError, err
		}
		target, err := m.readOperand(operands[1])
		if err != nil {
			return wire.StopCPUError, err
		}
		if cond != 0 {
			m.ip = uint64(target)
		} else {
			m.ip++
		}
		return wire.StopSingleStep, nil
	case "CALL":
		target, err := m.readOperand(operands[0])
		if err != nil {
			return wire.StopCPUError, err
		}
		m.callStack = append(m.callStack, m.ip+1)
		m.ip = uint64(target)
		return wire.StopSingleStep, nil
	case "RET":
		if len(m.callStack) == 0 {
			return wire.StopCPUError, dbgerr.New(dbgerr.ProtocolError, "RET with empty call stack")
		}
		m.ip = m.callStack[len(m.callStack)-1]
		m.callStack = m.callStack[:len(m.callStack)-1]
		return wire.StopSingleStep, nil
	default:
		return wire.StopCPUError, dbgerr.New(dbgerr.ProtocolError, "unknown mnemonic %q", mnemonic)
	}
}

// splitOperands splits a comma-joined operand list, e.g. "R0,1" ->
// ["R0","1"], "[R0],2" -> ["[R0]","2"].
func splitOperands(s string) []string {
	return strings.Split(s, ",")
}

func (m *InMemoryMachine) readOperand(s string) (int64, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		addr, err := m.resolveMemoryAddress(s)
		if err != nil {
			return 0, err
		}
		if addr >= uint64(len(m.data)) {
			return 0, dbgerr.New(dbgerr.InvalidOperand, "data address %#x out of range", addr)
		}
		return m.data[addr], nil
	}
	if v, ok := m.registers()[s]; ok {
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.InvalidOperand, err, "malformed operand %q", s)
	}
	return v, nil
}

// writeOperand writes v to the destination operand, returning
// StopHardwareBreakpoint if the write lands on an armed write watchpoint.
func (m *InMemoryMachine) writeOperand(s string, v int64) (wire.StopReason, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		addr, err := m.resolveMemoryAddress(s)
		if err != nil {
			return wire.StopCPUError, err
		}
		if addr >= uint64(len(m.data)) {
			return wire.StopCPUError, dbgerr.New(dbgerr.InvalidOperand, "data address %#x out of range", addr)
		}
		m.data[addr] = v
		if idx, hit := m.checkWatchpoints(addr); hit {
			m.debug[len(m.debug)-1] |= 1 << uint(triggerBitBase+idx)
			return wire.StopHardwareBreakpoint, nil
		}
		return wire.StopSingleStep, nil
	}
	switch s {
	case "IP":
		m.ip = uint64(v)
	case "BP":
		m.bp = uint64(v)
	case "SP":
		m.sp = uint64(v)
	case "FLAGS":
		m.flags = uint64(v)
	default:
		idx, err := gpIndex(s)
		if err != nil {
			return wire.StopCPUError, err
		}
		if idx >= len(m.gp) {
			return wire.StopCPUError, dbgerr.New(dbgerr.InvalidOperand, "register R%d does not exist", idx)
		}
		m.gp[idx] = v
	}
	return wire.StopSingleStep, nil
}

func (m *InMemoryMachine) resolveMemoryAddress(s string) (uint64, error) {
	inner := s[1 : len(s)-1]
	if v, ok := m.registers()[inner]; ok {
		return uint64(v), nil
	}
	addr, err := strconv.ParseUint(inner, 10, 64)
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.InvalidOperand, err, "malformed memory operand %q", s)
	}
	return addr, nil
}

// checkWatchpoints reports the lowest-indexed armed write watchpoint
// whose address matches addr, per the control register's enable bits
// (0..N-1), mirroring pkg/dbg/native.Arch's control-register layout from
// the other side.
func (m *InMemoryMachine) checkWatchpoints(addr uint64) (int, bool) {
	n := len(m.debug) - 1
	control := m.debug[n]
	for i := 0; i < n; i++ {
		if control&(1<<uint(i)) == 0 {
			continue
		}
		if m.debug[i] == addr {
			return i, true
		}
	}
	return 0, false
}

func gpIndex(name string) (int, error) {
	if len(name) < 2 || name[0] != 'R' {
		return 0, dbgerr.New(dbgerr.InvalidOperand, "not a general-purpose register %q", name)
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.InvalidOperand, err, "malformed register name %q", name)
	}
	return n, nil
}

func (m *InMemoryMachine) registers() map[string]int64 {
	regs := make(map[string]int64, len(m.gp)+4)
	regs["IP"] = int64(m.ip)
	regs["BP"] = int64(m.bp)
	regs["SP"] = int64(m.sp)
	regs["FLAGS"] = int64(m.flags)
	for i, v := range m.gp {
		regs[fmt.Sprintf("R%d", i)] = v
	}
	return regs
}

func (m *InMemoryMachine) Registers() map[string]int64 { return m.registers() }

func (m *InMemoryMachine) SetRegisters(regs map[string]int64) {
	for name, v := range regs {
		_, _ = m.writeOperand(name, v)
	}
}

func (m *InMemoryMachine) FloatRegisters() map[string]float64 {
	regs := make(map[string]float64, len(m.float))
	for i, v := range m.float {
		regs[fmt.Sprintf("F%d", i)] = v
	}
	return regs
}

func (m *InMemoryMachine) SetFloatRegisters(regs map[string]float64) {
	for name, v := range regs {
		var idx int
		if _, err := fmt.Sscanf(name, "F%d", &idx); err == nil && idx < len(m.float) {
			m.float[idx] = v
		}
	}
}

func (m *InMemoryMachine) DebugRegisters() map[string]uint64 {
	regs := make(map[string]uint64, len(m.debug))
	for i, v := range m.debug {
		regs[fmt.Sprintf("D%d", i)] = v
	}
	return regs
}

func (m *InMemoryMachine) SetDebugRegisters(regs map[string]uint64) {
	for name, v := range regs {
		var idx int
		if _, err := fmt.Sscanf(name, "D%d", &idx); err == nil && idx < len(m.debug) {
			m.debug[idx] = v
		}
	}
}

func (m *InMemoryMachine) ReadText(address uint64, amount int) ([]string, error) {
	if address+uint64(amount) > uint64(len(m.text)) {
		return nil, dbgerr.New(dbgerr.InvalidOperand, "text address range out of bounds")
	}
	out := make([]string, amount)
	copy(out, m.text[address:address+uint64(amount)])
	return out, nil
}

func (m *InMemoryMachine) WriteText(address uint64, data []string) error {
	if address+uint64(len(data)) > uint64(len(m.text)) {
		return dbgerr.New(dbgerr.InvalidOperand, "text address range out of bounds")
	}
	copy(m.text[address:], data)
	return nil
}

func (m *InMemoryMachine) ReadData(address uint64, amount int) ([]int64, error) {
	if address+uint64(amount) > uint64(len(m.data)) {
		return nil, dbgerr.New(dbgerr.InvalidOperand, "data address range out of bounds")
	}
	out := make([]int64, amount)
	copy(out, m.data[address:address+uint64(amount)])
	return out, nil
}

func (m *InMemoryMachine) WriteData(address uint64, data []int64) error {
	if address+uint64(len(data)) > uint64(len(m.data)) {
		return dbgerr.New(dbgerr.InvalidOperand, "data address range out of bounds")
	}
	copy(m.data[address:], data)
	return nil
}

func (m *InMemoryMachine) TextSize() uint64      { return uint64(len(m.text)) }
func (m *InMemoryMachine) DataSize() uint64      { return uint64(len(m.data)) }
func (m *InMemoryMachine) RegisterCount() uint64 { return uint64(len(m.gp)) }
