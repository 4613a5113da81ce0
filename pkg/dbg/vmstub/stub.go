// Package vmstub implements the VM-side debug stub (spec.md component G):
// the half of the wire protocol that runs inside the VM process, serving
// commands from the driver between stops and resuming execution on
// CONTINUE/SINGLESTEP, grounded on the entry protocol spelled out
// verbatim in spec.md §4.G and on original_source/t86/Process.cpp's
// command dispatch loop (PeekText/PokeText/... handlers keyed by command
// name). Everything here is test/reference infrastructure: the module's
// own driver side (pkg/dbg/vmproc, pkg/dbg/native) never imports it, but
// it is what the package's own tests run against in place of a real T86
// VM binary.
package vmstub

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/wire"
)

// Machine is the execution engine the stub drives. Run executes
// instructions starting at the live IP: if trap is true, it executes
// exactly one instruction and stops with StopSingleStep (unless that one
// instruction itself raises a breakpoint, watchpoint, halt or CPU error
// first); if trap is false, it runs until one of those conditions occurs.
// Every other method serves one wire command directly.
type Machine interface {
	Run(trap bool) (wire.StopReason, error)

	ReadText(address uint64, amount int) ([]string, error)
	WriteText(address uint64, data []string) error
	ReadData(address uint64, amount int) ([]int64, error)
	WriteData(address uint64, data []int64) error

	Registers() map[string]int64
	SetRegisters(map[string]int64)
	FloatRegisters() map[string]float64
	SetFloatRegisters(map[string]float64)
	DebugRegisters() map[string]uint64
	SetDebugRegisters(map[string]uint64)

	TextSize() uint64
	DataSize() uint64
	RegisterCount() uint64
}

// Stub serves the wire protocol on behalf of a Machine over a single
// Messenger connection. One Stub serves exactly one driver session,
// matching the module's concurrency model (spec.md §5): only one command
// is ever in flight, and Serve blocks the calling goroutine until the
// driver disconnects or sends TERMINATE.
type Stub struct {
	conn    messenger.Messenger
	machine Machine
	log     *slog.Logger
}

// New creates a Stub bound to conn and machine. log may be nil, in which
// case slog.Default() is used.
func New(conn messenger.Messenger, machine Machine, log *slog.Logger) *Stub {
	if log == nil {
		log = slog.Default()
	}
	return &Stub{conn: conn, machine: machine, log: log}
}

// Serve runs the stub's entry protocol until the driver sends TERMINATE
// or the connection closes, per spec.md §4.G:
//  1. If reason is Singlestep, clear the trap flag.
//  2. Send STOPPED.
//  3. Loop reading commands, serving each, until CONTINUE, SINGLESTEP
//     (after setting the trap flag) or TERMINATE; on TERMINATE, finish
//     the CPU and return.
//
// The very first iteration's reason is StopStart (ExecutionBegin),
// matching the "wait -> Begin" observed at the start of every scenario in
// spec.md §8.
func (s *Stub) Serve() error {
	reason := wire.StopStart
	trap := false

	for {
		if reason == wire.StopSingleStep {
			trap = false
		}
		if err := s.conn.Send(wire.NotifyStopped); err != nil {
			return dbgerr.Wrap(dbgerr.ProtocolError, err, "sending STOPPED")
		}

		action, newTrap, err := s.serveCommands(reason)
		if err != nil {
			return err
		}
		switch action {
		case actionTerminate:
			return nil
		case actionClosed:
			return nil
		}
		trap = newTrap

		reason, err = s.machine.Run(trap)
		if err != nil {
			return dbgerr.Wrap(dbgerr.ProtocolError, err, "running machine")
		}
	}
}

type loopAction int

const (
	actionResume loopAction = iota
	actionTerminate
	actionClosed
)

// serveCommands handles requests until the driver asks to resume
// execution (CONTINUE or SINGLESTEP) or to stop serving entirely
// (TERMINATE, or the channel closing).
func (s *Stub) serveCommands(currentReason wire.StopReason) (loopAction, bool, error) {
	for {
		line, ok := s.conn.Receive()
		if !ok {
			return actionClosed, false, nil
		}
		cmd, args := wire.SplitFields(line)
		switch cmd {
		case wire.CmdReason:
			if err := s.conn.Send(currentReason.String()); err != nil {
				return 0, false, err
			}
		case wire.CmdPeekText:
			if err := s.handlePeek(args, s.machine.TextSize(), func(addr uint64, n int) ([]string, error) {
				return s.machine.ReadText(addr, n)
			}); err != nil {
				return 0, false, err
			}
		case wire.CmdPokeText:
			if err := s.handlePokeText(args); err != nil {
				return 0, false, err
			}
		case wire.CmdPeekData:
			if err := s.handlePeekData(args); err != nil {
				return 0, false, err
			}
		case wire.CmdPokeData:
			if err := s.handlePokeData(args); err != nil {
				return 0, false, err
			}
		case wire.CmdPeekRegs:
			if err := s.handlePeekRegs(s.machine.Registers()); err != nil {
				return 0, false, err
			}
		case wire.CmdPokeRegs:
			if err := s.handlePokeRegs(args); err != nil {
				return 0, false, err
			}
		case wire.CmdPeekFloatRegs:
			if err := s.handlePeekFloatRegs(); err != nil {
				return 0, false, err
			}
		case wire.CmdPokeFloatRegs:
			if err := s.handlePokeFloatRegs(args); err != nil {
				return 0, false, err
			}
		case wire.CmdPeekDebugRegs:
			if err := s.handlePeekDebugRegs(); err != nil {
				return 0, false, err
			}
		case wire.CmdPokeDebugRegs:
			if err := s.handlePokeDebugRegs(args); err != nil {
				return 0, false, err
			}
		case wire.CmdRegCount:
			if err := s.conn.Send(strconv.FormatUint(s.machine.RegisterCount(), 10)); err != nil {
				return 0, false, err
			}
		case wire.CmdTextSize:
			if err := s.conn.Send(strconv.FormatUint(s.machine.TextSize(), 10)); err != nil {
				return 0, false, err
			}
		case wire.CmdDataSize:
			if err := s.conn.Send(strconv.FormatUint(s.machine.DataSize(), 10)); err != nil {
				return 0, false, err
			}
		case wire.CmdSingleStep:
			if err := s.conn.Send(wire.RespOK); err != nil {
				return 0, false, err
			}
			return actionResume, true, nil
		case wire.CmdContinue:
			if err := s.conn.Send(wire.RespOK); err != nil {
				return 0, false, err
			}
			return actionResume, false, nil
		case wire.CmdTerminate:
			if err := s.conn.Send(wire.RespOK); err != nil {
				return 0, false, err
			}
			return actionTerminate, false, nil
		default:
			if err := s.conn.Send(wire.RespUnknownCommand); err != nil {
				return 0, false, err
			}
		}
	}
}

func (s *Stub) handlePeek(args []string, size uint64, read func(uint64, int) ([]string, error)) error {
	address, amount, err := parseAddressAmount(args)
	if err != nil {
		return s.sendLines(nil, err)
	}
	if address+uint64(amount) > size {
		return s.sendLines(nil, dbgerr.New(dbgerr.InvalidOperand, "out of range"))
	}
	values, err := read(address, amount)
	return s.sendLines(values, err)
}

func (s *Stub) sendLines(values []string, err error) error {
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	for _, v := range values {
		if sendErr := s.conn.Send(v); sendErr != nil {
			return sendErr
		}
	}
	return nil
}

// handlePokeText serves a single "POKETEXT addr instruction_tokens…"
// request, writing exactly the one instruction at addr (spec.md §6.1).
func (s *Stub) handlePokeText(args []string) error {
	if len(args) < 2 {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	address, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	instruction := strings.Join(args[1:], " ")
	if address+1 > s.machine.TextSize() {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	if err := s.machine.WriteText(address, []string{instruction}); err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	return s.conn.Send(wire.RespOK)
}

func (s *Stub) handlePeekData(args []string) error {
	address, amount, err := parseAddressAmount(args)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	if address+uint64(amount) > s.machine.DataSize() {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	values, err := s.machine.ReadData(address, amount)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	for _, v := range values {
		if sendErr := s.conn.Send(strconv.FormatInt(v, 10)); sendErr != nil {
			return sendErr
		}
	}
	return nil
}

// handlePokeData serves a single "POKEDATA addr value" request, writing
// exactly the one data cell at addr (spec.md §6.1).
func (s *Stub) handlePokeData(args []string) error {
	if len(args) != 2 {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	address, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	value, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	if address+1 > s.machine.DataSize() {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	if err := s.machine.WriteData(address, []int64{value}); err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	return s.conn.Send(wire.RespOK)
}

func (s *Stub) handlePeekRegs(regs map[string]int64) error {
	for name, v := range regs {
		if err := s.conn.Send(wire.FormatRegisterLine(name, v)); err != nil {
			return err
		}
	}
	return nil
}

// handlePokeRegs serves a single "POKEREGS name value" request, writing
// exactly the one named general-purpose register (spec.md §6.1).
func (s *Stub) handlePokeRegs(args []string) error {
	if len(args) != 2 {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	value, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	s.machine.SetRegisters(map[string]int64{args[0]: value})
	return s.conn.Send(wire.RespOK)
}

func (s *Stub) handlePeekFloatRegs() error {
	for name, v := range s.machine.FloatRegisters() {
		if err := s.conn.Send(wire.FormatFloatRegisterLine(name, v)); err != nil {
			return err
		}
	}
	return nil
}

// handlePokeFloatRegs serves a single "POKEFLOATREGS Fk value" request,
// writing exactly the one named float register (spec.md §6.1).
func (s *Stub) handlePokeFloatRegs(args []string) error {
	if len(args) != 2 {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	s.machine.SetFloatRegisters(map[string]float64{args[0]: value})
	return s.conn.Send(wire.RespOK)
}

func (s *Stub) handlePeekDebugRegs() error {
	for name, v := range s.machine.DebugRegisters() {
		if err := s.conn.Send(wire.FormatRegisterLine(name, int64(v))); err != nil {
			return err
		}
	}
	return nil
}

// handlePokeDebugRegs serves a single "POKEDEBUGREGS Dk value" request,
// writing exactly the one named debug register - an address slot or the
// control register (spec.md §6.1).
func (s *Stub) handlePokeDebugRegs(args []string) error {
	if len(args) != 2 {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	value, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return s.conn.Send(wire.RespUnknownCommand)
	}
	s.machine.SetDebugRegisters(map[string]uint64{args[0]: value})
	return s.conn.Send(wire.RespOK)
}

func parseAddressAmount(args []string) (address uint64, amount int, err error) {
	if len(args) != 2 {
		return 0, 0, dbgerr.New(dbgerr.InvalidOperand, "expected address and amount")
	}
	address, err = strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, 0, dbgerr.Wrap(dbgerr.InvalidOperand, err, "malformed address")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, dbgerr.Wrap(dbgerr.InvalidOperand, err, "malformed amount")
	}
	return address, n, nil
}
