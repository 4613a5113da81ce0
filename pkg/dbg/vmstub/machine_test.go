package vmstub_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Manu343726/t86dbg/pkg/dbg/vmstub"
	"github.com/Manu343726/t86dbg/pkg/dbg/wire"
)

func TestRun_TrapStopsAfterOneInstruction(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"MOV R0,1", "MOV R1,2", "HALT"}, 2, 0, 1, 16)

	reason, err := m.Run(true)
	require.NoError(t, err)
	require.Equal(t, wire.StopSingleStep, reason)
	require.EqualValues(t, 1, m.Registers()["R0"])
	require.EqualValues(t, 0, m.Registers()["R1"])
}

func TestRun_RunsToHalt(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"MOV R0,1", "MOV R1,2", "HALT"}, 2, 0, 1, 16)

	reason, err := m.Run(false)
	require.NoError(t, err)
	require.Equal(t, wire.StopHalt, reason)
	require.EqualValues(t, 1, m.Registers()["R0"])
	require.EqualValues(t, 2, m.Registers()["R1"])
}

func TestRun_CallAndReturn(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{
		"CALL 3",
		"MOV R0,99",
		"HALT",
		"MOV R1,1",
		"RET",
	}, 2, 0, 1, 16)

	reason, err := m.Run(false)
	require.NoError(t, err)
	require.Equal(t, wire.StopHalt, reason)
	require.EqualValues(t, 1, m.Registers()["R1"])
	require.EqualValues(t, 99, m.Registers()["R0"])
}

func TestRun_MemoryIndirectWriteTriggersWatchpoint(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"MOV R0,5", "MOV [R0],7", "HALT"}, 1, 0, 1, 16)

	m.SetDebugRegisters(map[string]uint64{"D0": 5, "D1": 1}) // slot 0 -> addr 5, bit 0 enables it

	reason, err := m.Run(false)
	require.NoError(t, err)
	require.Equal(t, wire.StopHardwareBreakpoint, reason)

	data, err := m.ReadData(5, 1)
	require.NoError(t, err)
	require.EqualValues(t, 7, data[0])
}

func TestReadWriteText_OutOfRangeFails(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT"}, 0, 0, 0, 0)

	_, err := m.ReadText(1, 1)
	require.Error(t, err)

	err = m.WriteText(1, []string{"HALT"})
	require.Error(t, err)
}

func TestWriteTextRoundTrip(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT", "HALT"}, 0, 0, 0, 0)

	require.NoError(t, m.WriteText(1, []string{"MOV R0,1"}))
	text, err := m.ReadText(0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"HALT", "MOV R0,1"}, text)
}

func TestWriteDataRoundTrip(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT"}, 0, 0, 0, 4)

	require.NoError(t, m.WriteData(2, []int64{42}))
	data, err := m.ReadData(0, 4)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 0, 42, 0}, data)

	_, err = m.ReadData(3, 2)
	require.Error(t, err)
}

func TestSetRegistersRoundTrip(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT"}, 2, 0, 0, 0)

	m.SetRegisters(map[string]int64{"R0": 10, "R1": 20, "IP": 0})
	regs := m.Registers()
	require.EqualValues(t, 10, regs["R0"])
	require.EqualValues(t, 20, regs["R1"])
}

func TestDebugRegistersRoundTrip(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT"}, 0, 0, 2, 0)

	m.SetDebugRegisters(map[string]uint64{"D0": 100, "D2": 0b11})
	regs := m.DebugRegisters()
	require.EqualValues(t, 100, regs["D0"])
	require.EqualValues(t, 0, regs["D1"])
	require.EqualValues(t, 0b11, regs["D2"])
}

func TestSizes(t *testing.T) {
	m := vmstub.NewInMemoryMachine([]string{"HALT", "HALT", "HALT"}, 4, 0, 1, 64)

	require.EqualValues(t, 3, m.TextSize())
	require.EqualValues(t, 64, m.DataSize())
	require.EqualValues(t, 4, m.RegisterCount())
}
