// Package wire implements the line-oriented text protocol spoken between
// the debugger driver and the VM process, per spec.md §6.1. Every message
// is a single line; multi-valued responses (register dumps) are sent as
// one line per value followed by the peer reading exactly the number of
// lines it expects - there is no explicit terminator, matching
// T86Process.h's FetchRegistersOfType, which reads one Receive() per
// register.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
)

// Command names, verbatim from spec.md §6.1.
const (
	CmdReason          = "REASON"
	CmdPeekText        = "PEEKTEXT"
	CmdPokeText        = "POKETEXT"
	CmdPeekData        = "PEEKDATA"
	CmdPokeData        = "POKEDATA"
	CmdPeekRegs        = "PEEKREGS"
	CmdPokeRegs        = "POKEREGS"
	CmdPeekFloatRegs   = "PEEKFLOATREGS"
	CmdPokeFloatRegs   = "POKEFLOATREGS"
	CmdPeekDebugRegs   = "PEEKDEBUGREGS"
	CmdPokeDebugRegs   = "POKEDEBUGREGS"
	CmdSingleStep      = "SINGLESTEP"
	CmdContinue        = "CONTINUE"
	CmdRegCount        = "REGCOUNT"
	CmdTextSize        = "TEXTSIZE"
	CmdDataSize        = "DATASIZE"
	CmdTerminate       = "TERMINATE"
	NotifyStopped      = "STOPPED"
	BreakpointOpcode   = "BKPT"
	RespOK             = "OK"
	// RespUnknownCommand is sent back verbatim for any command line whose
	// leading token is not one of the Cmd* constants above (spec.md §6.1).
	RespUnknownCommand = "UNKNOWN COMMAND"
)

// StopReason is the VM's report of why it last stopped, per spec.md §6.1.
type StopReason int

const (
	StopStart StopReason = iota
	StopSoftwareBreakpoint
	StopHardwareBreakpoint
	StopSingleStep
	StopHalt
	StopCPUError
)

func (r StopReason) String() string {
	switch r {
	case StopStart:
		return "START"
	case StopSoftwareBreakpoint:
		return "SW_BKPT"
	case StopHardwareBreakpoint:
		return "HW_BKPT"
	case StopSingleStep:
		return "SINGLESTEP"
	case StopHalt:
		return "HALT"
	case StopCPUError:
		return "CPU_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseStopReason parses the text sent in response to REASON.
func ParseStopReason(s string) (StopReason, error) {
	switch strings.TrimSpace(s) {
	case "START":
		return StopStart, nil
	case "SW_BKPT":
		return StopSoftwareBreakpoint, nil
	case "HW_BKPT":
		return StopHardwareBreakpoint, nil
	case "SINGLESTEP":
		return StopSingleStep, nil
	case "HALT":
		return StopHalt, nil
	case "CPU_ERROR":
		return StopCPUError, nil
	default:
		return 0, dbgerr.New(dbgerr.ProtocolError, "unrecognised stop reason %q", s)
	}
}

// FormatAddressedCommand builds "CMD address amount" style requests, used
// by PEEKTEXT/PEEKDATA.
func FormatAddressedCommand(cmd string, address uint64, amount int) string {
	return fmt.Sprintf("%s %d %d", cmd, address, amount)
}

// FormatPokeText builds a "POKETEXT addr instruction_tokens…" request for
// a single instruction at addr, per spec.md §6.1 (POKETEXT writes one
// instruction per request, not a run of them).
func FormatPokeText(address uint64, instructionText string) string {
	return fmt.Sprintf("%s %d %s", CmdPokeText, address, instructionText)
}

// FormatPokeValue builds a single "CMD addr value" request, the shape
// POKEDATA uses: one data cell written per request.
func FormatPokeValue(cmd string, addr uint64, value string) string {
	return fmt.Sprintf("%s %d %s", cmd, addr, value)
}

// FormatPokeNamedValue builds a single "CMD name value" request, the
// shape POKEREGS/POKEFLOATREGS/POKEDEBUGREGS use: one register written
// per request, addressed by name rather than by memory offset.
func FormatPokeNamedValue(cmd, name, value string) string {
	return fmt.Sprintf("%s %s %s", cmd, name, value)
}

// SplitFields splits a request line into its command and space-separated
// arguments.
func SplitFields(line string) (cmd string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// FormatRegisterLine formats a single "name:value" register response line,
// the unit FetchRegistersOfType parses one of per Receive() call.
func FormatRegisterLine(name string, value int64) string {
	return fmt.Sprintf("%s:%d", name, value)
}

// FormatFloatRegisterLine formats a single "name:value" float register line.
func FormatFloatRegisterLine(name string, value float64) string {
	return fmt.Sprintf("%s:%s", name, strconv.FormatFloat(value, 'g', -1, 64))
}

// ParseRegisterLine parses a "name:value" integer register response line.
func ParseRegisterLine(line string) (name string, value int64, err error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", 0, dbgerr.New(dbgerr.ProtocolError, "malformed register line %q", line)
	}
	v, perr := strconv.ParseInt(parts[1], 10, 64)
	if perr != nil {
		return "", 0, dbgerr.Wrap(dbgerr.ProtocolError, perr, "malformed register value in %q", line)
	}
	return parts[0], v, nil
}

// ParseFloatRegisterLine parses a "name:value" float register response line.
func ParseFloatRegisterLine(line string) (name string, value float64, err error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", 0, dbgerr.New(dbgerr.ProtocolError, "malformed register line %q", line)
	}
	v, perr := strconv.ParseFloat(parts[1], 64)
	if perr != nil {
		return "", 0, dbgerr.Wrap(dbgerr.ProtocolError, perr, "malformed register value in %q", line)
	}
	return parts[0], v, nil
}

// ParseUint64Response parses a plain-integer response, e.g. to
// TEXTSIZE/DATASIZE/REGCOUNT.
func ParseUint64Response(prefix, s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), prefix+":")
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.ProtocolError, err, "malformed %s response %q", prefix, s)
	}
	return v, nil
}
