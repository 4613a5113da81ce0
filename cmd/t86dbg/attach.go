package t86dbg

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Manu343726/t86dbg/pkg/dbg/debuginfo"
	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
	"github.com/Manu343726/t86dbg/pkg/dbg/source"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/utils"
)

var (
	attachAddr       string
	attachDebugInfo  string
	attachGPRegs     int
	attachFloatRegs  int
	attachHWWatchers int
	attachTUI        bool
)

// attachCmd connects to a running VM process over TCP and drives an
// interactive session, the CLI counterpart of
// Manu343726-cucaracha's cmd/mc generateLlvmTablegenCmd/clangVersionCmd:
// a cobra.Command with its own flag set and a Run closure that reports
// failures to stderr with a non-zero exit code rather than panicking.
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to a running T86 VM process and start an interactive session",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAttach(); err != nil {
			fmt.Fprintf(os.Stderr, "t86dbg: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	attachCmd.Flags().StringVarP(&attachAddr, "addr", "a", "localhost:6060", "address of the VM process's debug socket")
	attachCmd.Flags().StringVarP(&attachDebugInfo, "debuginfo", "d", "", "path to a YAML compile-unit file (optional)")
	attachCmd.Flags().IntVar(&attachGPRegs, "gp-regs", 10, "number of general-purpose registers the target exposes")
	attachCmd.Flags().IntVar(&attachFloatRegs, "float-regs", 4, "number of float registers the target exposes")
	attachCmd.Flags().IntVar(&attachHWWatchers, "hw-watchpoints", 4, "number of hardware watchpoint slots the target exposes")
	attachCmd.Flags().BoolVar(&attachTUI, "tui", false, "show a live status panel instead of printing stop banners")
}

func runAttach() error {
	conn, err := net.Dial("tcp", attachAddr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", attachAddr, err)
	}
	transport := messenger.NewConn(conn)

	arch := native.DefaultT86Arch
	arch.DebugRegisterCount = attachHWWatchers

	proc := vmproc.New(transport, attachGPRegs, attachFloatRegs, arch.TotalDebugRegisters(), nil)
	ctl := native.NewController(proc, arch, nil)

	var info *debuginfo.CompileUnit
	if attachDebugInfo != "" {
		info, err = debuginfo.LoadFile(attachDebugInfo)
		if err != nil {
			return fmt.Errorf("loading debug info: %w", err)
		}
	}
	src := source.New(ctl, info, nil)

	if attachTUI {
		return runTUI(src)
	}
	return runREPL(src)
}

// runREPL is the plain-text session loop, the style
// Manu343726-cucaracha's own cmd package favours for interactive tools:
// read a line from stdin, dispatch, print a colourised result, repeat.
func runREPL(src *source.Controller) error {
	banner := color.New(color.FgCyan, color.Bold)
	errColor := color.New(color.FgRed)
	okColor := color.New(color.FgGreen)

	banner.Println("t86dbg attached. Type 'help' for a command list.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("(t86dbg) ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]
		rest := fields[1:]

		switch cmd {
		case "help":
			printHelp()
		case "quit", "exit":
			return src.Native().Terminate()
		case "continue", "c":
			if err := src.Native().ContinueExecution(); err != nil {
				errColor.Println(err)
				continue
			}
			ev, err := src.Native().WaitForDebugEvent()
			printEvent(ev, err, banner, errColor)
		case "step", "s":
			ev, err := src.Native().SingleStep()
			printEvent(ev, err, banner, errColor)
		case "stepover", "n":
			ev, err := src.Native().StepOver(true)
			printEvent(ev, err, banner, errColor)
		case "stepout":
			ev, err := src.Native().StepOut()
			printEvent(ev, err, banner, errColor)
		case "break", "b":
			addr, err := parseAddressArg(src, rest)
			if err != nil {
				errColor.Println(err)
				continue
			}
			if err := src.Native().SetBreakpoint(addr); err != nil {
				errColor.Println(err)
				continue
			}
			okColor.Printf("breakpoint set at %#x\n", addr)
		case "unbreak":
			addr, err := parseAddressArg(src, rest)
			if err != nil {
				errColor.Println(err)
				continue
			}
			if err := src.Native().UnsetBreakpoint(addr); err != nil {
				errColor.Println(err)
				continue
			}
			okColor.Printf("breakpoint cleared at %#x\n", addr)
		case "watch":
			addr, err := parseAddressArg(src, rest)
			if err != nil {
				errColor.Println(err)
				continue
			}
			if err := src.Native().SetWatchpointWrite(addr); err != nil {
				errColor.Println(err)
				continue
			}
			okColor.Printf("write watchpoint set at %#x\n", addr)
		case "regs":
			printRegisters(src)
		case "vars":
			printVariables(src, errColor)
		case "where":
			printLocation(src, errColor)
		default:
			errColor.Printf("unknown command %q, try 'help'\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  continue, c             resume until the next stop
  step, s                 execute a single instruction
  stepover, n             execute one instruction, stepping over calls
  stepout                 run until the current function returns
  break, b <addr|file:line>  set a breakpoint (addr is hex)
  unbreak <addr|file:line>   clear a breakpoint
  watch <addr>            set a write watchpoint
  regs                    print the register file
  vars                    print variables visible at the current line
  where                   print the current source location
  quit, exit              terminate the VM and leave`)
}

// parseAddressArg accepts either a hexadecimal address (with or without a
// 0x prefix) or, when a compile
// unit is loaded, a file:line source reference resolved through
// source.Controller.LineToAddress.
func parseAddressArg(src *source.Controller, args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one address or file:line argument")
	}
	if addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64); err == nil {
		return addr, nil
	}
	parts := strings.SplitN(args[0], ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed address %q (expected hex address or file:line)", args[0])
	}
	line, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed line number in %q: %w", args[0], err)
	}
	return src.LineToAddress(parts[0], line)
}

func printEvent(ev native.Event, err error, banner, errColor *color.Color) {
	if err != nil {
		errColor.Println(err)
		return
	}
	banner.Printf("stop: %s", ev.Kind)
	switch ev.Kind {
	case native.EventBreakpointHit, native.EventWatchpointTrigger, native.EventCpuError:
		banner.Printf(" at %#x", ev.Address)
	}
	banner.Println()
}

func printRegisters(src *source.Controller) {
	regs, err := src.Native().Registers()
	if err != nil {
		color.Red("%v", err)
		return
	}
	for _, name := range []string{"IP", "BP", "SP", "FLAGS"} {
		if v, ok := regs[name]; ok {
			fmt.Printf("%-6s %s\n", name, utils.FormatUintHex(uint64(v), 16))
		}
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("R%d", i)
		v, ok := regs[name]
		if !ok {
			break
		}
		fmt.Printf("%-6s %s\n", name, utils.FormatUintHex(uint64(v), 16))
	}
}

func printVariables(src *source.Controller, errColor *color.Color) {
	vars, err := src.Variables()
	if err != nil {
		errColor.Println(err)
		return
	}
	for _, rv := range vars {
		fmt.Printf("%s %s = %s\n", source.TypeToString(rv.Variable.Type), rv.Variable.Name, locationString(rv))
	}
}

func locationString(rv source.ResolvedVariable) string {
	if rv.Location.Kind == locvm.Register {
		return "<" + rv.Location.Register + ">"
	}
	return fmt.Sprintf("@%#x", uint64(rv.Location.Offset))
}

func printLocation(src *source.Controller, errColor *color.Color) {
	file, line, err := src.CurrentLine()
	if err != nil {
		errColor.Println(err)
		return
	}
	fmt.Printf("%s:%d\n", file, line)
}
