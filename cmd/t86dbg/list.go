package t86dbg

import (
	"fmt"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/utils"
)

var (
	listAddr    string
	listAddress uint64
	listCount   int
)

// listCmd prints a disassembly-style instruction listing read through
// ReadText, highlighting the live IP and any planted breakpoint (an
// address whose text is the BKPT opcode, since this command's own
// controller has planted none) - the
// illustrative text-listing counterpart cmd/cpu/debug.go gives its own
// interpreter-backed debugger.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instructions starting at an address, marking the live IP and breakpoints",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(); err != nil {
			fmt.Fprintf(os.Stderr, "t86dbg: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	listCmd.Flags().StringVarP(&listAddr, "addr", "a", "localhost:6060", "address of the VM process's debug socket")
	listCmd.Flags().Uint64VarP(&listAddress, "start", "s", 0, "first instruction address to list")
	listCmd.Flags().IntVarP(&listCount, "count", "n", 10, "number of instructions to list")
	RootCmd.AddCommand(listCmd)
}

func runList() error {
	conn, err := net.Dial("tcp", listAddr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", listAddr, err)
	}
	transport := messenger.NewConn(conn)

	proc := vmproc.New(transport, attachGPRegs, attachFloatRegs, native.DefaultT86Arch.TotalDebugRegisters(), nil)
	ctl := native.NewController(proc, native.DefaultT86Arch, nil)

	ip, err := ctl.GetIP()
	if err != nil {
		return err
	}
	lines, err := ctl.ReadText(listAddress, listCount)
	if err != nil {
		return err
	}

	breakpoints := make(map[uint64]bool)
	for _, bp := range ctl.ListBreakpoints() {
		breakpoints[bp.Address] = true
	}

	marker := color.New(color.FgYellow, color.Bold)
	bpColor := color.New(color.FgRed)
	for i, text := range lines {
		addr := listAddress + uint64(i)
		prefix := "  "
		if addr == ip {
			prefix = marker.Sprint("=>")
		}
		line := fmt.Sprintf("%s %s  %s", prefix, utils.FormatUintHex(addr, 8), text)
		if breakpoints[addr] || text == native.DefaultT86Arch.BreakpointOpcode {
			bpColor.Println(line + "  [breakpoint]")
		} else {
			fmt.Println(line)
		}
	}
	return nil
}
