package vmproc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/messenger"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmproc"
	"github.com/Manu343726/t86dbg/pkg/dbg/vmstub"
)

func newConnectedProcess(t *testing.T, program []string, gpCount int, dataSize uint64) *vmproc.T86Process {
	t.Helper()
	driverSide, vmSide := messenger.NewPipePair(4)
	machine := vmstub.NewInMemoryMachine(program, gpCount, 0, 2, dataSize)
	stub := vmstub.New(vmSide, machine, nil)
	go func() { _ = stub.Serve() }()
	t.Cleanup(func() { _ = driverSide.Close() })
	proc := vmproc.New(driverSide, gpCount, 0, 3, nil)
	require.NoError(t, proc.Wait()) // consume the stub's initial STOPPED
	return proc
}

// TestWriteTextOutOfRangeFails is spec.md §8's boundary behaviour #10:
// write_text past text_size fails and performs no effect.
func TestWriteTextOutOfRangeFails(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT"}, 2, 64)
	err := proc.WriteText(5, []string{"HALT"})
	require.Error(t, err)
}

func TestReadTextOutOfRangeFails(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT"}, 2, 64)
	_, err := proc.ReadText(5, 1)
	require.Error(t, err)
}

func TestWriteTextRejectsMalformedFirstInstruction(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT", "HALT"}, 2, 64)
	err := proc.WriteText(0, []string{"not-a-mnemonic"})
	require.Error(t, err)

	// unaffected: the original instruction is still there.
	text, rerr := proc.ReadText(0, 1)
	require.NoError(t, rerr)
	require.Equal(t, "HALT", text[0])
}

func TestSetRegistersRejectsUnknownName(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT"}, 2, 64)
	err := proc.SetRegisters(map[string]int64{"R9": 1})
	require.Error(t, err)
}

func TestSetRegistersAcceptsKnownNames(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT"}, 2, 64)
	err := proc.SetRegisters(map[string]int64{"R0": 5, "IP": 0})
	require.NoError(t, err)

	regs, err := proc.Registers()
	require.NoError(t, err)
	require.EqualValues(t, 5, regs["R0"])
}

func TestReadMemoryOutOfRangeFails(t *testing.T) {
	proc := newConnectedProcess(t, []string{"HALT"}, 2, 8)
	_, err := proc.ReadMemory(100, 1)
	require.Error(t, err)
}
