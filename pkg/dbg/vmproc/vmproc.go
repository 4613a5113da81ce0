// Package vmproc is the VM process proxy (spec.md component B): a typed
// client wrapping a messenger.Messenger that speaks the wire protocol in
// pkg/dbg/wire, grounded on original_source/t86/debugger/T86Process.h. It
// turns the line-oriented protocol into Go method calls returning decoded
// values, validates register names and address bounds the way T86Process.h
// does before ever sending a request, and is the only package in this
// module that writes or parses wire-protocol text; everything above it
// (native.Controller) only ever sees Go types.
package vmproc

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/wire"
)

// Process is the VM-process-facing surface the native controller drives.
// Implemented by *T86Process for real or in-process test VMs; a hand-
// written fake is reasonable for native package unit tests, mirroring
// original_source's MockMessenger/native_test.cpp pattern applied one
// layer up.
type Process interface {
	ReadText(address uint64, amount int) ([]string, error)
	WriteText(address uint64, data []string) error
	ReadMemory(address uint64, amount int) ([]int64, error)
	WriteMemory(address uint64, data []int64) error
	Reason() (wire.StopReason, error)
	SingleStep() error
	Registers() (map[string]int64, error)
	SetRegisters(map[string]int64) error
	FloatRegisters() (map[string]float64, error)
	SetFloatRegisters(map[string]float64) error
	DebugRegisters() (map[string]uint64, error)
	SetDebugRegisters(map[string]uint64) error
	TextSize() (uint64, error)
	DataSize() (uint64, error)
	RegisterCount() (uint64, error)
	Resume() error
	Wait() error
	Terminate() error
}

// T86Process is the default Process implementation, talking to a VM over
// a messenger.Messenger. The register counts are supplied at
// construction, mirroring T86Process.h's constructor
// (gp_reg_cnt=10, float_reg_cnt=4) rather than its dead, commented-out
// InitSizes() method: the wire protocol has no FLOATCOUNT/DEBUGCOUNT
// command (§6.1 only lists REGCOUNT/TEXTSIZE/DATASIZE), so the debugger
// driver must already know how many float and debug registers the target
// exposes when it attaches.
type T86Process struct {
	conn           messenger.Messenger
	log            *slog.Logger
	gpRegCount     int
	floatRegCount  int
	debugRegCount  int
}

// New wraps an already-connected Messenger. gpRegCount/floatRegCount/
// debugRegCount are the target's register counts (debugRegCount includes
// the architecture's control register, per native.Arch). log may be nil,
// in which case slog.Default() is used.
func New(conn messenger.Messenger, gpRegCount, floatRegCount, debugRegCount int, log *slog.Logger) *T86Process {
	if log == nil {
		log = slog.Default()
	}
	return &T86Process{
		conn:          conn,
		log:           log,
		gpRegCount:    gpRegCount,
		floatRegCount: floatRegCount,
		debugRegCount: debugRegCount,
	}
}

func (p *T86Process) request(line string) (string, error) {
	if err := p.conn.Send(line); err != nil {
		return "", dbgerr.Wrap(dbgerr.ProtocolError, err, "sending %q", line)
	}
	resp, ok := p.conn.Receive()
	if !ok {
		return "", dbgerr.New(dbgerr.ProtocolError, "VM process closed the connection replying to %q", line)
	}
	p.log.Debug("vmproc exchange", "sent", line, "received", resp)
	return resp, nil
}

func (p *T86Process) requestLines(line string, n int) ([]string, error) {
	if err := p.conn.Send(line); err != nil {
		return nil, dbgerr.Wrap(dbgerr.ProtocolError, err, "sending %q", line)
	}
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		resp, ok := p.conn.Receive()
		if !ok {
			return nil, dbgerr.New(dbgerr.ProtocolError, "VM process closed the connection mid-response to %q", line)
		}
		lines = append(lines, resp)
	}
	return lines, nil
}

// checkBounds enforces spec.md §4.B's "addresses outside [0, size) fail,
// with no writes issued" rule by querying the live size before sending
// the real request.
func (p *T86Process) checkBounds(address uint64, amount int, size uint64) error {
	if amount < 0 || address+uint64(amount) > size {
		return dbgerr.New(dbgerr.InvalidOperand, "address range [%d, %d) is out of bounds (size %d)", address, address+uint64(amount), size)
	}
	return nil
}

// validateInstructionText is the proxy's local parse pass before a
// POKETEXT is ever sent, per spec.md §4.B: "each item must parse as a
// valid instruction ... rejects ill-formed input with an error (no
// partial write is observable if the first item is invalid)". This
// module does not own a full assembly grammar (that lives in the VM's
// own toolchain, out of core scope per spec.md §1), so the proxy applies
// the same lightweight shape check T86Process.h's CheckResponse-adjacent
// validation implies: a non-empty line whose first token looks like a
// mnemonic (a run of uppercase letters).
func validateInstructionText(text string) error {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return dbgerr.New(dbgerr.InvalidOperand, "empty instruction text")
	}
	mnemonic := fields[0]
	for _, r := range mnemonic {
		if r < 'A' || r > 'Z' {
			return dbgerr.New(dbgerr.InvalidOperand, "malformed instruction mnemonic %q", mnemonic)
		}
	}
	return nil
}

// ReadText returns amount instructions' text starting at address. As with
// the original, the breakpoint transparency rule (spec.md invariant #2)
// is enforced one layer up, by native.Controller, not here.
func (p *T86Process) ReadText(address uint64, amount int) ([]string, error) {
	size, err := p.TextSize()
	if err != nil {
		return nil, err
	}
	if err := p.checkBounds(address, amount, size); err != nil {
		return nil, err
	}
	return p.requestLines(wire.FormatAddressedCommand(wire.CmdPeekText, address, amount), amount)
}

// WriteText overwrites instructions starting at address, one POKETEXT
// request per instruction (spec.md §6.1: POKETEXT writes exactly one
// instruction per request). Every item is validated locally before being
// sent; if the first one is malformed, nothing is sent at all. A later
// item failing validation still leaves every earlier item's write in
// effect (spec.md §4.B permits partial writes on later failures).
func (p *T86Process) WriteText(address uint64, data []string) error {
	size, err := p.TextSize()
	if err != nil {
		return err
	}
	if err := p.checkBounds(address, len(data), size); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := validateInstructionText(data[0]); err != nil {
			return err
		}
	}
	for i, text := range data {
		if i > 0 {
			if err := validateInstructionText(text); err != nil {
				return err
			}
		}
		resp, err := p.request(wire.FormatPokeText(address+uint64(i), text))
		if err != nil {
			return err
		}
		if resp != wire.RespOK {
			return dbgerr.New(dbgerr.ProtocolError, "POKETEXT not acknowledged at %#x", address+uint64(i))
		}
	}
	return nil
}

func (p *T86Process) ReadMemory(address uint64, amount int) ([]int64, error) {
	size, err := p.DataSize()
	if err != nil {
		return nil, err
	}
	if err := p.checkBounds(address, amount, size); err != nil {
		return nil, err
	}
	lines, err := p.requestLines(wire.FormatAddressedCommand(wire.CmdPeekData, address, amount), amount)
	if err != nil {
		return nil, err
	}
	values := make([]int64, len(lines))
	for i, l := range lines {
		v, perr := parseInt64(l)
		if perr != nil {
			return nil, perr
		}
		values[i] = v
	}
	return values, nil
}

// WriteMemory overwrites data cells starting at address, one POKEDATA
// request per value (spec.md §6.1: "POKEDATA addr value").
func (p *T86Process) WriteMemory(address uint64, data []int64) error {
	size, err := p.DataSize()
	if err != nil {
		return err
	}
	if err := p.checkBounds(address, len(data), size); err != nil {
		return err
	}
	for i, v := range data {
		resp, err := p.request(wire.FormatPokeValue(wire.CmdPokeData, address+uint64(i), formatInt64(v)))
		if err != nil {
			return err
		}
		if resp != wire.RespOK {
			return dbgerr.New(dbgerr.ProtocolError, "POKEDATA not acknowledged at %#x", address+uint64(i))
		}
	}
	return nil
}

func (p *T86Process) Reason() (wire.StopReason, error) {
	resp, err := p.request(wire.CmdReason)
	if err != nil {
		return 0, err
	}
	return wire.ParseStopReason(resp)
}

// SingleStep requests one step. The wire protocol replies OK immediately
// and STOPPED later, once the step has actually happened (§6.1); callers
// observe completion through Wait(), not through this call's return.
func (p *T86Process) SingleStep() error {
	resp, err := p.request(wire.CmdSingleStep)
	if err != nil {
		return err
	}
	if resp != wire.RespOK {
		return dbgerr.New(dbgerr.ProtocolError, "SINGLESTEP not acknowledged")
	}
	return nil
}

func isValidGPRegister(name string, gpRegCount int) bool {
	switch name {
	case "IP", "BP", "SP", "FLAGS":
		return true
	}
	return indexedRegister(name, 'R', gpRegCount)
}

func isValidFloatRegister(name string, floatRegCount int) bool {
	return indexedRegister(name, 'F', floatRegCount)
}

func isValidDebugRegister(name string, debugRegCount int) bool {
	return indexedRegister(name, 'D', debugRegCount)
}

func indexedRegister(name string, prefix byte, count int) bool {
	if len(name) < 2 || name[0] != prefix {
		return false
	}
	n := 0
	for _, r := range name[1:] {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n < count
}

func (p *T86Process) Registers() (map[string]int64, error) {
	lines, err := p.requestLines(wire.CmdPeekRegs, p.gpRegCount+4)
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(lines))
	for _, line := range lines {
		name, v, perr := wire.ParseRegisterLine(line)
		if perr != nil {
			return nil, perr
		}
		result[name] = v
	}
	return result, nil
}

// SetRegisters writes each register with its own POKEREGS request
// ("POKEREGS name value" -> OK, per spec.md §6.1), validating every name
// before issuing any request.
func (p *T86Process) SetRegisters(regs map[string]int64) error {
	for name := range regs {
		if !isValidGPRegister(name, p.gpRegCount) {
			return dbgerr.New(dbgerr.InvalidOperand, "invalid register name %q", name)
		}
	}
	for name, v := range regs {
		resp, err := p.request(wire.FormatPokeNamedValue(wire.CmdPokeRegs, name, formatInt64(v)))
		if err != nil {
			return err
		}
		if resp != wire.RespOK {
			return dbgerr.New(dbgerr.ProtocolError, "POKEREGS not acknowledged for %s", name)
		}
	}
	return nil
}

func (p *T86Process) FloatRegisters() (map[string]float64, error) {
	lines, err := p.requestLines(wire.CmdPeekFloatRegs, p.floatRegCount)
	if err != nil {
		return nil, err
	}
	result := make(map[string]float64, len(lines))
	for _, line := range lines {
		name, v, perr := wire.ParseFloatRegisterLine(line)
		if perr != nil {
			return nil, perr
		}
		result[name] = v
	}
	return result, nil
}

// SetFloatRegisters writes each float register with its own
// POKEFLOATREGS request.
func (p *T86Process) SetFloatRegisters(regs map[string]float64) error {
	for name := range regs {
		if !isValidFloatRegister(name, p.floatRegCount) {
			return dbgerr.New(dbgerr.InvalidOperand, "invalid float register name %q", name)
		}
	}
	for name, v := range regs {
		resp, err := p.request(wire.FormatPokeNamedValue(wire.CmdPokeFloatRegs, name, strconv.FormatFloat(v, 'g', -1, 64)))
		if err != nil {
			return err
		}
		if resp != wire.RespOK {
			return dbgerr.New(dbgerr.ProtocolError, "POKEFLOATREGS not acknowledged for %s", name)
		}
	}
	return nil
}

func (p *T86Process) DebugRegisters() (map[string]uint64, error) {
	lines, err := p.requestLines(wire.CmdPeekDebugRegs, p.debugRegCount)
	if err != nil {
		return nil, err
	}
	result := make(map[string]uint64, len(lines))
	for _, line := range lines {
		name, v, perr := wire.ParseRegisterLine(line)
		if perr != nil {
			return nil, perr
		}
		result[name] = uint64(v)
	}
	return result, nil
}

// SetDebugRegisters writes each debug register (including the control
// register, at name Dk where k == debugRegCount-1) with its own
// POKEDEBUGREGS request.
func (p *T86Process) SetDebugRegisters(regs map[string]uint64) error {
	for name := range regs {
		if !isValidDebugRegister(name, p.debugRegCount) {
			return dbgerr.New(dbgerr.InvalidOperand, "invalid debug register name %q", name)
		}
	}
	for name, v := range regs {
		resp, err := p.request(wire.FormatPokeNamedValue(wire.CmdPokeDebugRegs, name, strconv.FormatUint(v, 10)))
		if err != nil {
			return err
		}
		if resp != wire.RespOK {
			return dbgerr.New(dbgerr.ProtocolError, "POKEDEBUGREGS not acknowledged for %s", name)
		}
	}
	return nil
}

func (p *T86Process) TextSize() (uint64, error) {
	resp, err := p.request(wire.CmdTextSize)
	if err != nil {
		return 0, err
	}
	return wire.ParseUint64Response(wire.CmdTextSize, resp)
}

func (p *T86Process) DataSize() (uint64, error) {
	resp, err := p.request(wire.CmdDataSize)
	if err != nil {
		return 0, err
	}
	return wire.ParseUint64Response(wire.CmdDataSize, resp)
}

func (p *T86Process) RegisterCount() (uint64, error) {
	resp, err := p.request(wire.CmdRegCount)
	if err != nil {
		return 0, err
	}
	return wire.ParseUint64Response(wire.CmdRegCount, resp)
}

// Resume asks the VM to run until its next stop. The wire protocol
// replies OK immediately; the eventual stop is observed through Wait().
func (p *T86Process) Resume() error {
	resp, err := p.request(wire.CmdContinue)
	if err != nil {
		return err
	}
	if resp != wire.RespOK {
		return dbgerr.New(dbgerr.ProtocolError, "CONTINUE not acknowledged")
	}
	return nil
}

// Wait blocks until the VM reports it has stopped (the STOPPED
// notification), the only blocking call in this module's concurrency
// model besides Messenger.Receive itself.
func (p *T86Process) Wait() error {
	resp, ok := p.conn.Receive()
	if !ok {
		return dbgerr.New(dbgerr.ProtocolError, "VM process closed the connection waiting for STOPPED")
	}
	if resp != wire.NotifyStopped {
		return dbgerr.New(dbgerr.ProtocolError, "expected %s notification, got %q", wire.NotifyStopped, resp)
	}
	return nil
}

func (p *T86Process) Terminate() error {
	resp, err := p.request(wire.CmdTerminate)
	if err != nil {
		return err
	}
	if resp != wire.RespOK {
		return dbgerr.New(dbgerr.ProtocolError, "TERMINATE not acknowledged")
	}
	return p.conn.Close()
}
